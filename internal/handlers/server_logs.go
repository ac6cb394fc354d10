package handlers

import (
	"net/http"
	"strconv"

	"github.com/tzfun/etcd-workbench/internal/logging"
)

const maxLogLines = 5000

func GetServerLogs(w http.ResponseWriter, r *http.Request) {
	lines := 200
	if q := r.URL.Query().Get("lines"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			lines = min(n, maxLogLines)
		}
	}

	content, err := logging.ReadTail(lines)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": content})
}
