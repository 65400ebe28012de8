// Package app wires the frozen model facade, the tensor runtimes and the
// tensor server into the two commands the binary offers: run, which loads a
// model and evaluates it once, and serve, which hosts a tensor server for
// remote runtimes. It is decoupled from flag parsing, which lives in cli.
package app
