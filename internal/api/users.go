package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/jobwatch/internal/auth"
	"github.com/wolfeidau/jobwatch/internal/models"
)

// NamespaceKeys is the pair of API keys issued for a namespace.
type NamespaceKeys struct {
	ReadKey  string `json:"readKey"`
	WriteKey string `json:"writeKey"`
}

// authenticate resolves the dashboard user and adds it to the request logger.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	user, err := s.users.Authenticate(r)
	if err != nil {
		writeError(w, r, "Authentication failed", err)
		return "", false
	}

	zerolog.Ctx(r.Context()).UpdateContext(func(c zerolog.Context) zerolog.Context {
		return c.Str("user", user)
	})
	return user, true
}

// pathNamespace returns the lower cased namespace path value.
func pathNamespace(w http.ResponseWriter, r *http.Request) (string, bool) {
	namespace := strings.ToLower(r.PathValue("namespace"))
	if !models.IsValidNamespace(namespace) {
		writeError(w, r, fmt.Sprintf("Invalid namespace %q", namespace), models.ErrInvalidNamespace)
		return "", false
	}
	return namespace, true
}

func (s *Server) userNamespaces(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r); !ok {
		return
	}

	namespaces, err := s.jobs.Namespaces(r.Context())
	if err != nil {
		writeError(w, r, "Failed to list namespaces", err)
		return
	}

	writeJSON(w, r, http.StatusOK, namespaces)
}

func (s *Server) userNamespaceJobs(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r); !ok {
		return
	}

	namespace, ok := pathNamespace(w, r)
	if !ok {
		return
	}

	s.serveNamespace(w, r, namespace)
}

func (s *Server) userDeleteJob(w http.ResponseWriter, r *http.Request) {
	user, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	key := models.JobKey{Namespace: r.PathValue("namespace"), ID: r.PathValue("id")}
	if err := s.jobs.Delete(r.Context(), key); err != nil {
		writeError(w, r, fmt.Sprintf("Failed to delete job %q", key.ID), err)
		return
	}

	zerolog.Ctx(r.Context()).Info().Str("job_key", key.Format()).Msgf("%s deleted job %q", user, key.Format())
	writeText(w, http.StatusOK, "Job deleted")
}

func (s *Server) userNamespaceKeys(w http.ResponseWriter, r *http.Request) {
	user, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	namespace, ok := pathNamespace(w, r)
	if !ok {
		return
	}

	readKey, err := s.keys.Generate(namespace, auth.ScopeRead)
	if err != nil {
		writeError(w, r, "Failed to generate read API key", err)
		return
	}
	writeKey, err := s.keys.Generate(namespace, auth.ScopeWrite)
	if err != nil {
		writeError(w, r, "Failed to generate write API key", err)
		return
	}

	zerolog.Ctx(r.Context()).Info().Str("namespace", namespace).Msgf("%s generated API keys for namespace %q", user, namespace)
	writeJSON(w, r, http.StatusOK, NamespaceKeys{ReadKey: readKey, WriteKey: writeKey})
}
