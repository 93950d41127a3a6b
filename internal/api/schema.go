package api

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed transaction.schema.json
var transactionSchemaJSON []byte

const transactionSchemaURL = "https://dan.local/schemas/transaction.schema.json"

func compileTransactionSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(transactionSchemaURL, bytes.NewReader(transactionSchemaJSON)); err != nil {
		return nil, fmt.Errorf("load transaction schema: %w", err)
	}
	schema, err := c.Compile(transactionSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile transaction schema: %w", err)
	}
	return schema, nil
}

// validateTransaction checks body against the transaction schema before it
// is decoded into a Transaction.
func validateTransaction(schema *jsonschema.Schema, body []byte) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return schema.Validate(doc)
}
