package dsdl

import (
	"fmt"
	"sort"
	"strings"
)

var knownSchemas = map[string]Schema{
	HeartbeatSchema.String(): HeartbeatSchema,
	StringSchema.String():    StringSchema,
}

var schemaAliases = map[string]string{
	"heartbeat": HeartbeatSchema.String(),
	"string":    StringSchema.String(),
}

// LookupSchema resolves a full schema name such as
// "uavcan.primitive.String.1.0" or a short alias ("string", "heartbeat").
func LookupSchema(name string) (Schema, error) {
	name = strings.TrimSpace(name)
	if full, ok := schemaAliases[strings.ToLower(name)]; ok {
		name = full
	}
	if s, ok := knownSchemas[name]; ok {
		return s, nil
	}
	return Schema{}, fmt.Errorf("unknown schema %q (known: %s)", name, strings.Join(SchemaNames(), ", "))
}

// SchemaNames lists the full names of every built-in schema, sorted.
func SchemaNames() []string {
	names := make([]string, 0, len(knownSchemas))
	for n := range knownSchemas {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
