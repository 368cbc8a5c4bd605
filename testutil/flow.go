package testutil

import "github.com/c360/nodeflows/flowstore"

// Def builds a definition with optional free-form fields
func Def(id, nodeType string, fields ...map[string]any) flowstore.NodeDefinition {
	d := flowstore.NodeDefinition{ID: id, Type: nodeType}
	if len(fields) > 0 {
		d.Fields = fields[0]
	}
	return d
}

// WithCredentials returns d carrying creds
func WithCredentials(d flowstore.NodeDefinition, creds map[string]any) flowstore.NodeDefinition {
	d.Credentials = creds
	return d
}

// SimpleFlows is one tab holding three mock nodes
func SimpleFlows(nodeType string) flowstore.Flows {
	return flowstore.Flows{
		Def("tab1", flowstore.TypeTab, map[string]any{"label": "Flow 1"}),
		Def("n1", nodeType, map[string]any{"z": "tab1"}),
		Def("n2", nodeType, map[string]any{"z": "tab1"}),
		Def("n3", nodeType, map[string]any{"z": "tab1"}),
	}
}

// GroupingOnlyFlows holds only a workspace and a tab
func GroupingOnlyFlows() flowstore.Flows {
	return flowstore.Flows{
		Def("ws", flowstore.TypeWorkspace),
		Def("tab1", flowstore.TypeTab),
	}
}
