package api

import "encoding/json"

// User is a project member as returned by the backend.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

// Task is the leaf of the hierarchy.
type Task struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Status    string `json:"status"`
	Assignees []User `json:"assignees,omitempty"`
}

// Feature groups tasks.
type Feature struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Status string `json:"status"`
	Tasks  []Task `json:"tasks"`
}

// Epic groups features.
type Epic struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Status   string    `json:"status"`
	Features []Feature `json:"features"`
}

// Project is the root of the hierarchy.
type Project struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	CourseID string `json:"courseId,omitempty"`

	// Extra carries fields the sync layer passes through untouched.
	Extra json.RawMessage `json:"extra,omitempty"`
}

// ProjectTree is a project with its full Epic → Feature → Task hierarchy.
type ProjectTree struct {
	Project
	Epics []Epic `json:"epics"`
}

// TreeCounts summarises a ProjectTree.
type TreeCounts struct {
	Epics      int
	Features   int
	Tasks      int
	Unassigned int
}

// Counts walks the tree and counts each level.
func (t *ProjectTree) Counts() TreeCounts {
	var c TreeCounts
	for _, e := range t.Epics {
		c.Epics++
		for _, f := range e.Features {
			c.Features++
			for _, task := range f.Tasks {
				c.Tasks++
				if len(task.Assignees) == 0 {
					c.Unassigned++
				}
			}
		}
	}
	return c
}

// SingleProjectResponse from GET /projects/{id}
type SingleProjectResponse struct {
	Project Project `json:"project"`
}
