package planner

import "errors"

var (
	// ErrTimeout signals the model call exceeded the planner deadline.
	ErrTimeout = errors.New("planner: model call timed out")
	// ErrParseFailed signals the model response was not valid JSON.
	ErrParseFailed = errors.New("planner: draft parse failed")
	// ErrSchemaInvalid signals the draft violated the draft schema.
	ErrSchemaInvalid = errors.New("planner: draft schema invalid")
	// ErrStaleVersion signals a materialized plan did not advance the
	// snapshot version.
	ErrStaleVersion = errors.New("planner: plan version must exceed snapshot version")
)
