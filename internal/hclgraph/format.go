// Package hclgraph reads frozen model definitions written in HCL and serves
// them to the model loader through a file:// handler.
//
// A model is one file, or a directory of .hcl files whose blocks are merged:
//
//	graph "double" {
//	  version = "1"
//	}
//
//	input "x" {
//	  dtype = "float32"
//	  shape = [1, 4]
//	}
//
//	node "scaled" {
//	  op     = "LinearScale"
//	  inputs = ["x"]
//	  attrs  = { scale = 2 }
//	}
//
//	outputs = ["scaled"]
//
// Weights carry their values inline, either directly or as one tensor block
// per tensor. Function blocks hold subgraphs for If and While nodes and
// accept the same input and node blocks as the top level.
package hclgraph

import (
	"github.com/hashicorp/hcl/v2"
)

// fileRoot decodes every top-level construct a file may contain.
type fileRoot struct {
	Graphs    []*graphBlock    `hcl:"graph,block"`
	Inputs    []*inputBlock    `hcl:"input,block"`
	Weights   []*weightBlock   `hcl:"weight,block"`
	Nodes     []*nodeBlock     `hcl:"node,block"`
	Functions []*functionBlock `hcl:"function,block"`
	Outputs   []string         `hcl:"outputs,optional"`
}

type graphBlock struct {
	Name     string    `hcl:"name,label"`
	Version  string    `hcl:"version,optional"`
	Producer string    `hcl:"producer,optional"`
	DefRange hcl.Range `hcl:",def_range"`
}

type inputBlock struct {
	Name  string `hcl:"name,label"`
	DType string `hcl:"dtype,optional"`
	Shape []int  `hcl:"shape,optional"`
}

type tensorBlock struct {
	DType  string    `hcl:"dtype,optional"`
	Shape  []int     `hcl:"shape,optional"`
	Values []float32 `hcl:"values,optional"`
}

type weightBlock struct {
	Name    string         `hcl:"name,label"`
	DType   string         `hcl:"dtype,optional"`
	Shape   []int          `hcl:"shape,optional"`
	Values  []float32      `hcl:"values,optional"`
	Tensors []*tensorBlock `hcl:"tensor,block"`
}

type nodeBlock struct {
	Name          string         `hcl:"name,label"`
	Op            string         `hcl:"op"`
	Inputs        []string       `hcl:"inputs,optional"`
	ControlInputs []string       `hcl:"control_inputs,optional"`
	NumOutputs    int            `hcl:"num_outputs,optional"`
	Attrs         hcl.Expression `hcl:"attrs,optional"`
	DefRange      hcl.Range      `hcl:",def_range"`
}

type functionBlock struct {
	Name    string        `hcl:"name,label"`
	Inputs  []*inputBlock `hcl:"input,block"`
	Nodes   []*nodeBlock  `hcl:"node,block"`
	Outputs []string      `hcl:"outputs"`
}
