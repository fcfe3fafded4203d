package api

import (
	"context"
	"fmt"
	"net/url"
)

const projectTreeQuery = `query ProjectTree($id: ID!) {
  project(id: $id) {
    id
    name
    courseId
    epics {
      id
      title
      status
      features {
        id
        title
        status
        tasks {
          id
          title
          status
          assignees { id name email role }
        }
      }
    }
  }
}`

// GetProject fetches a single project record.
func (c *Client) GetProject(ctx context.Context, projectID string) (*Project, error) {
	var resp SingleProjectResponse
	if err := c.get(ctx, "/projects/"+url.PathEscape(projectID), nil, &resp); err != nil {
		return nil, fmt.Errorf("get project %s: %w", projectID, err)
	}
	return &resp.Project, nil
}

// GetProjectTree fetches a project with its epics, features, and tasks.
func (c *Client) GetProjectTree(ctx context.Context, projectID string) (*ProjectTree, error) {
	var resp struct {
		Project *ProjectTree `json:"project"`
	}
	if err := c.Query(ctx, projectTreeQuery, map[string]any{"id": projectID}, &resp); err != nil {
		return nil, fmt.Errorf("get project tree %s: %w", projectID, err)
	}
	if resp.Project == nil {
		return nil, fmt.Errorf("get project tree %s: %w", projectID, &APIError{StatusCode: 404, Message: "project not found"})
	}
	return resp.Project, nil
}
