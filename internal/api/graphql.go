package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// GraphQLRequest is the POST body for the GraphQL endpoint.
type GraphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

// GraphQLResponse is the envelope returned by the GraphQL endpoint.
type GraphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors GraphQLErrors   `json:"errors,omitempty"`
}

// GraphQLError is a single resolver error.
type GraphQLError struct {
	Message string `json:"message"`
	Path    []any  `json:"path,omitempty"`
}

// GraphQLErrors is returned when the response carries resolver errors.
type GraphQLErrors []GraphQLError

func (e GraphQLErrors) Error() string {
	msgs := make([]string, len(e))
	for i, ge := range e {
		msgs[i] = ge.Message
	}
	return "graphql: " + strings.Join(msgs, "; ")
}

// Query runs a GraphQL query and unmarshals the data field into result.
func (c *Client) Query(ctx context.Context, query string, variables map[string]any, result any) error {
	var resp GraphQLResponse
	if err := c.post(ctx, "/graphql", GraphQLRequest{Query: query, Variables: variables}, &resp); err != nil {
		return err
	}

	if len(resp.Errors) > 0 {
		return resp.Errors
	}

	if result != nil {
		if err := json.Unmarshal(resp.Data, result); err != nil {
			return fmt.Errorf("unmarshal data: %w", err)
		}
	}

	return nil
}
