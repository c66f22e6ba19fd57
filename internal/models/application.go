package models

// Application is the code an experiment builds and runs. Applications are
// owned elsewhere; the orchestrator only reads them.
type Application struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	CreationScript  string   `json:"creation_script"`
	ExecutionScript string   `json:"execution_script"`
	Labels          []string `json:"labels"`
}
