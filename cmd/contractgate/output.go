package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"
)

// wantsJSON reports whether the caller asked for machine-readable output.
func wantsJSON(c *cli.Context) bool {
	return c.Bool("json") || c.String("jq") != ""
}

// render writes v as JSON (optionally through --jq) or calls human.
func render(c *cli.Context, v interface{}, human func(w io.Writer)) error {
	out := c.App.Writer
	if filter := c.String("jq"); filter != "" {
		code, err := compileJQ(filter)
		if err != nil {
			return err
		}
		return runJQ(out, code, v)
	}
	if c.Bool("json") {
		return outputJSON(out, v)
	}
	human(out)
	return nil
}

// outputJSON writes indented JSON.
func outputJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func compileJQ(filter string) (*gojq.Code, error) {
	query, err := gojq.Parse(filter)
	if err != nil {
		return nil, fmt.Errorf("failed to parse jq filter %q: %w", filter, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("failed to compile jq filter %q: %w", filter, err)
	}
	return code, nil
}

// toJQInput converts v to the plain maps and slices gojq operates on.
func toJQInput(v interface{}) (interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal output: %w", err)
	}
	var generic interface{}
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("failed to decode output: %w", err)
	}
	return generic, nil
}

func runJQ(w io.Writer, code *gojq.Code, v interface{}) error {
	input, err := toJQInput(v)
	if err != nil {
		return err
	}
	iter := code.Run(input)
	for {
		result, ok := iter.Next()
		if !ok {
			return nil
		}
		if err, isErr := result.(error); isErr {
			return fmt.Errorf("jq filter failed: %w", err)
		}
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal jq result: %w", err)
		}
		fmt.Fprintln(w, string(data))
	}
}

// matchesAll reports whether every filter yields a truthy first result for v.
func matchesAll(codes []*gojq.Code, v interface{}) bool {
	if len(codes) == 0 {
		return true
	}
	input, err := toJQInput(v)
	if err != nil {
		return false
	}
	for _, code := range codes {
		result, ok := code.Run(input).Next()
		if !ok {
			return false
		}
		if _, isErr := result.(error); isErr {
			return false
		}
		if !isTruthy(result) {
			return false
		}
	}
	return true
}

// isTruthy checks if a jq result value is truthy.
// In jq, false and null are falsy, everything else is truthy.
func isTruthy(v interface{}) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return true
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}
