package server

import (
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"

	"evovista/internal/backend"
	"evovista/internal/erruser"
	"evovista/internal/pipeline"
	"evovista/internal/project"
	"evovista/internal/stage"
)

// ProjectsResponse lists project statuses.
type ProjectsResponse struct {
	Projects []pipeline.ProjectStatus `json:"projects"`
}

// AtRiskArtifact is one entry of a restart plan.
type AtRiskArtifact struct {
	Name  string `json:"name"`
	Bytes int64  `json:"bytes"`
	Size  string `json:"size"`
}

// PlanResponse describes what a restart would overwrite.
type PlanResponse struct {
	Project   string           `json:"project"`
	From      stage.Stage      `json:"from"`
	Artifacts []string         `json:"artifacts"`
	AtRisk    []AtRiskArtifact `json:"at_risk"`
}

// ArchiveResponse describes an archive transaction.
type ArchiveResponse struct {
	Project string   `json:"project"`
	Path    string   `json:"path,omitempty"`
	Moved   []string `json:"moved"`
}

// RunBody is the JSON body of a run request.
type RunBody struct {
	From           string   `json:"from"`
	Matcher        string   `json:"matcher"`
	ImageSet       string   `json:"image_set"`
	BlurThreshold  *float64 `json:"blur_threshold"`
	SkipBlurIfPlot bool     `json:"skip_blur_if_plot"`
	Backend        string   `json:"backend"`
	OnExisting     string   `json:"on_existing"`
}

// ErrorResponse is returned for every failed request.
type ErrorResponse struct {
	Error  string   `json:"error"`
	Kind   string   `json:"kind,omitempty"`
	Moved  []string `json:"moved,omitempty"`
	Failed []string `json:"failed,omitempty"`
}

func (s *Server) setupProjectRoutes(r *mux.Router) {
	r.HandleFunc("/projects", s.handleProjects).Methods("GET")
	r.HandleFunc("/projects/{name}", s.handleProject).Methods("GET")
	r.HandleFunc("/projects/{name}/plan", s.handlePlan).Methods("GET")
	r.HandleFunc("/projects/{name}/archive", s.handleArchive).Methods("POST")
	r.HandleFunc("/projects/{name}/run", s.handleRun).Methods("POST")
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	names, err := s.orch.Projects()
	if err != nil {
		writeError(w, err)
		return
	}
	resp := ProjectsResponse{Projects: []pipeline.ProjectStatus{}}
	for _, name := range names {
		st, err := s.orch.Status(name)
		if err != nil {
			s.log.Warn("cannot resolve project", "project", name, "error", err)
			continue
		}
		resp.Projects = append(resp.Projects, st)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleProject(w http.ResponseWriter, r *http.Request) {
	st, err := s.orch.Status(mux.Vars(r)["name"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	from, err := stage.Parse(r.URL.Query().Get("from"))
	if err != nil {
		writeError(w, err)
		return
	}
	p, plan, err := s.orch.Plan(mux.Vars(r)["name"], from)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := PlanResponse{
		Project:   p.Name,
		From:      plan.From,
		Artifacts: plan.Artifacts,
		AtRisk:    []AtRiskArtifact{},
	}
	insp := project.NewInspector(p.Dir)
	for _, name := range plan.AtRisk {
		size, err := insp.Size(name)
		if err != nil {
			s.log.Debug("cannot size artifact", "artifact", filepath.Join(p.Dir, name), "error", err)
		}
		resp.AtRisk = append(resp.AtRisk, AtRiskArtifact{
			Name:  name,
			Bytes: size,
			Size:  humanize.Bytes(uint64(size)),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	from, err := stage.Parse(r.URL.Query().Get("from"))
	if err != nil {
		writeError(w, err)
		return
	}
	name := mux.Vars(r)["name"]
	res, err := s.orch.Archive(name, from)
	if err != nil {
		writeError(w, err)
		return
	}
	moved := res.Moved
	if moved == nil {
		moved = []string{}
	}
	writeJSON(w, http.StatusOK, ArchiveResponse{Project: name, Path: res.Path, Moved: moved})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var body RunBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, erruser.Config("invalid request body", err))
		return
	}
	from, err := stage.Parse(body.From)
	if err != nil {
		writeError(w, err)
		return
	}
	kind, err := backend.ParseKind(body.Backend)
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := s.orch.Run(r.Context(), pipeline.RunRequest{
		Project:        mux.Vars(r)["name"],
		From:           from,
		Matcher:        body.Matcher,
		ImageSet:       body.ImageSet,
		BlurThreshold:  body.BlurThreshold,
		SkipBlurIfPlot: body.SkipBlurIfPlot,
		Backend:        kind,
		OnExisting:     body.OnExisting,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// writeError maps failure kinds to status codes.
func writeError(w http.ResponseWriter, err error) {
	resp := ErrorResponse{Error: err.Error()}
	status := http.StatusInternalServerError

	var partial *project.PartialArchiveError
	switch {
	case errors.As(err, &partial):
		resp.Kind = "partial"
		resp.Moved = partial.Moved
		for _, f := range partial.Failed {
			resp.Failed = append(resp.Failed, f.Name)
		}
	case errors.Is(err, fs.ErrNotExist):
		status = http.StatusNotFound
		resp.Kind = "not_found"
	case errors.Is(err, erruser.ErrConfig):
		status = http.StatusBadRequest
		resp.Kind = "config"
	case errors.Is(err, erruser.ErrPrecondition):
		status = http.StatusPreconditionFailed
		resp.Kind = "precondition"
	case errors.Is(err, pipeline.ErrCancelled):
		status = http.StatusConflict
		resp.Kind = "cancelled"
	}
	writeJSON(w, status, resp)
}

func queryLimit(r *http.Request, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return def
	}
	return n
}
