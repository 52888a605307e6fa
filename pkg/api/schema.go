package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Request-body schemas, compiled once at startup. Validation failures reject
// at the boundary with SCHEMA_INVALID and the failing path.
var requestSchemas = map[string]string{
	"agents/register": `{
		"type": "object",
		"required": ["name", "publicKeyPem"],
		"properties": {
			"agentId": {"type": "string"},
			"name": {"type": "string", "minLength": 1},
			"publicKeyPem": {"type": "string", "minLength": 1}
		}
	}`,
	"agents/rotate": `{
		"type": "object",
		"required": ["publicKeyPem"],
		"properties": {
			"publicKeyPem": {"type": "string", "minLength": 1}
		}
	}`,
	"tools/publish": `{
		"type": "object",
		"required": ["toolId", "name", "capabilities", "transport", "manifestHash", "signerKeyId", "signature"],
		"properties": {
			"toolId": {"type": "string", "minLength": 1},
			"name": {"type": "string", "minLength": 1},
			"capabilities": {"type": "array", "items": {"type": "string"}, "minItems": 1},
			"transport": {
				"type": "object",
				"required": ["kind", "endpoint"],
				"properties": {
					"kind": {"enum": ["http", "mcp", "grpc"]},
					"endpoint": {"type": "string", "minLength": 1}
				}
			},
			"manifestHash": {"type": "string", "minLength": 1},
			"signerKeyId": {"type": "string", "minLength": 1},
			"signature": {"type": "string", "minLength": 1}
		}
	}`,
	"wallet/credit": `{
		"type": "object",
		"required": ["amountCents", "currency"],
		"properties": {
			"amountCents": {"type": "integer", "minimum": 1},
			"currency": {"type": "string", "minLength": 3, "maxLength": 3}
		}
	}`,
	"gate/create": `{
		"type": "object",
		"required": ["passport", "payerAgentId", "payeeAgentId", "amountCents", "currency"],
		"properties": {
			"gateId": {"type": "string"},
			"passport": {
				"type": "object",
				"required": ["sponsorRef", "walletRef", "agentKeyId", "policyProfile"],
				"properties": {
					"sponsorRef": {"type": "string", "minLength": 1},
					"walletRef": {"type": "string", "minLength": 1},
					"agentKeyId": {"type": "string", "minLength": 1},
					"delegationGrantId": {"type": "string"},
					"policyProfile": {"type": "string", "minLength": 1}
				}
			},
			"payerAgentId": {"type": "string", "minLength": 1},
			"payeeAgentId": {"type": "string", "minLength": 1},
			"amountCents": {"type": "integer", "minimum": 1},
			"currency": {"type": "string", "minLength": 3, "maxLength": 3},
			"agreementHash": {"type": "string"}
		}
	}`,
	"gate/authorize": `{
		"type": "object",
		"required": ["gateId", "walletAuthorizationDecisionToken"],
		"properties": {
			"gateId": {"type": "string", "minLength": 1},
			"walletAuthorizationDecisionToken": {"type": "string", "minLength": 1},
			"escalationOverrideToken": {"type": "string"}
		}
	}`,
	"gate/verify": `{
		"type": "object",
		"required": ["gateId", "verificationStatus", "evidenceRefs"],
		"properties": {
			"gateId": {"type": "string", "minLength": 1},
			"verificationStatus": {"enum": ["green", "amber", "red"]},
			"evidenceRefs": {
				"type": "object",
				"required": ["requestSha256", "responseSha256"],
				"properties": {
					"requestSha256": {"type": "string", "minLength": 1},
					"responseSha256": {"type": "string", "minLength": 1},
					"providerKeyId": {"type": "string"},
					"providerSignature": {"type": "string"}
				}
			}
		}
	}`,
	"sessions/create": `{
		"type": "object",
		"properties": {
			"sessionId": {"type": "string"},
			"title": {"type": "string"},
			"agentId": {"type": "string"},
			"labels": {"type": "object"}
		}
	}`,
	"sessions/append": `{
		"type": "object",
		"required": ["type"],
		"properties": {
			"type": {"type": "string", "minLength": 1},
			"actor": {"type": "string"},
			"payload": {"type": "object"}
		}
	}`,
}

type schemaSet struct {
	compiled map[string]*jsonschema.Schema
}

func newSchemaSet() (*schemaSet, error) {
	c := jsonschema.NewCompiler()
	for name, src := range requestSchemas {
		if err := c.AddResource(name+".json", strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("api: schema %s: %w", name, err)
		}
	}
	set := &schemaSet{compiled: make(map[string]*jsonschema.Schema, len(requestSchemas))}
	for name := range requestSchemas {
		sch, err := c.Compile(name + ".json")
		if err != nil {
			return nil, fmt.Errorf("api: schema %s: %w", name, err)
		}
		set.compiled[name] = sch
	}
	return set, nil
}

// validate checks body against the named schema and decodes it into out.
func (s *schemaSet) validate(name string, body []byte, out any) error {
	sch, ok := s.compiled[name]
	if !ok {
		return fmt.Errorf("api: unknown schema %s", name)
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return &schemaError{Path: "/", Message: "body is not valid JSON"}
	}
	if err := sch.Validate(v); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			leaf := ve
			for len(leaf.Causes) > 0 {
				leaf = leaf.Causes[0]
			}
			path := leaf.InstanceLocation
			if path == "" {
				path = "/"
			}
			return &schemaError{Path: path, Message: leaf.Message}
		}
		return &schemaError{Path: "/", Message: err.Error()}
	}
	return json.Unmarshal(body, out)
}

// schemaError carries the failing instance path.
type schemaError struct {
	Path    string
	Message string
}

func (e *schemaError) Error() string {
	return fmt.Sprintf("%s: %s at %s", CodeSchemaInvalid, e.Message, e.Path)
}
