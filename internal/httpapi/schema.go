package httpapi

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Body schemas for the two mutating payloads. The store only enforces
// presence of the required fields; shape and format checks belong to this
// boundary, so a UI bug surfaces as a 400 instead of a mangled record.
const createAppointmentSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["client_name", "phone_number", "appointment_date", "appointment_time"],
	"properties": {
		"client_name": {"type": "string", "minLength": 1},
		"phone_number": {"type": "string", "minLength": 1},
		"appointment_date": {"type": "string", "pattern": "^[0-9]{4}-[0-9]{2}-[0-9]{2}$"},
		"appointment_time": {"type": "string", "pattern": "^[0-9]{2}:[0-9]{2}$"}
	},
	"additionalProperties": false
}`

const settingsSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"webhook_url": {"type": "string"},
		"use_remote": {"type": "boolean"},
		"remote_credential": {"type": "string"},
		"remote_repo": {"type": "string"},
		"remote_path": {"type": "string"},
		"remote_branch": {"type": "string"}
	},
	"additionalProperties": false
}`

type schemaSet struct {
	createAppointment *jsonschema.Schema
	settings          *jsonschema.Schema
}

func newSchemaSet() *schemaSet {
	return &schemaSet{
		createAppointment: mustCompileSchema("create_appointment.json", createAppointmentSchema),
		settings:          mustCompileSchema("settings.json", settingsSchema),
	}
}

func mustCompileSchema(name, src string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		panic(fmt.Sprintf("parse schema %s: %v", name, err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("add schema %s: %v", name, err))
	}
	return compiler.MustCompile(name)
}

// validateBody checks raw JSON against a schema, returning a message fit for
// a 400 response.
func validateBody(schema *jsonschema.Schema, body []byte) error {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid json body")
	}
	if err := schema.Validate(instance); err != nil {
		return err
	}
	return nil
}
