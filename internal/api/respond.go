package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/minio/crc64nvme"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/jobwatch/internal/accept"
)

// negotiate picks the representation for a GET that can stream.
func negotiate(r *http.Request) (string, error) {
	accepted := accept.Parse(r.Header.Get("Accept"))
	if len(accepted) == 0 {
		return "", errMissingAccept
	}

	preferred, ok := accept.Preferred(accepted, []string{accept.SSE, accept.JSON})
	if !ok {
		return "", errNotAcceptable
	}
	return preferred, nil
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		writeError(w, r, "Failed to encode response", err)
		return
	}

	w.Header().Set("Content-Type", accept.JSON)
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		zerolog.Ctx(r.Context()).Debug().Err(err).Msg("Failed to write response")
	}
}

// writeSnapshot writes a JSON snapshot that pollers revalidate with
// If-None-Match. The ETag is the CRC-64/NVME of the body.
func writeSnapshot(w http.ResponseWriter, r *http.Request, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		writeError(w, r, "Failed to encode response", err)
		return
	}

	hash := crc64nvme.New()
	_, _ = hash.Write(data)
	etag := `"` + strconv.FormatUint(hash.Sum64(), 16) + `"`

	header := w.Header()
	header.Set("ETag", etag)
	header.Set("Cache-Control", "no-cache")

	if etagMatches(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	header.Set("Content-Type", accept.JSON)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		zerolog.Ctx(r.Context()).Debug().Err(err).Msg("Failed to write response")
	}
}

func etagMatches(ifNoneMatch, etag string) bool {
	for candidate := range strings.SplitSeq(ifNoneMatch, ",") {
		candidate = strings.TrimPrefix(strings.TrimSpace(candidate), "W/")
		if candidate == "*" || candidate == etag {
			return true
		}
	}
	return false
}
