// Package builtin provides the node types every nodeflows host registers:
// inject, debug, delay and endpoint.
package builtin

import (
	"context"

	"github.com/c360/nodeflows/credentials"
	"github.com/c360/nodeflows/errors"
	"github.com/c360/nodeflows/typeregistry"
)

// Registrations returns the built-in node types
func Registrations() []typeregistry.Registration {
	return []typeregistry.Registration{
		{
			Type:        InjectType,
			Factory:     NewInject,
			Description: "Emits a log notification on a fixed interval",
			Category:    "input",
			Schema:      injectSchema,
		},
		{
			Type:        DebugType,
			Factory:     NewDebug,
			Description: "Logs its configuration when started",
			Category:    "output",
		},
		{
			Type:        DelayType,
			Factory:     NewDelay,
			Description: "Holds shutdown for a drain period",
			Category:    "function",
			Schema:      delaySchema,
		},
		{
			Type:        EndpointType,
			Factory:     NewEndpoint,
			Description: "Remote endpoint settings with stored login credentials",
			Category:    "config",
			Schema:      endpointSchema,
			Credentials: map[string]credentials.FieldType{
				"user":     credentials.FieldText,
				"password": credentials.FieldPassword,
			},
		},
	}
}

// RegisterAll registers every built-in type with reg
func RegisterAll(ctx context.Context, reg *typeregistry.Registry) error {
	for _, r := range Registrations() {
		if err := reg.Register(ctx, r); err != nil {
			return errors.Wrap(err, "builtin", "RegisterAll", "register "+r.Type)
		}
	}
	return nil
}
