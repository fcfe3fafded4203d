// Package config handles YAML configuration loading with environment variable substitution.
//
// Configuration files support ${VAR} syntax for environment variable interpolation,
// which is how the backend token is usually supplied:
//
//	api:
//	  base_url: https://tasktree.example.com
//	  token: ${TASKTREE_TOKEN}
package config
