package config

import (
	"encoding/json"
	"fmt"
	"net/http"

	log "github.com/sirupsen/logrus"
)

// APIPath is the path of the runtime configuration endpoint.
const APIPath = "/__proxy_api/config"

// configUpdate is the accepted POST body. Fields are pointers so a missing field can be told apart from false.
type configUpdate struct {
	ProcessLinks *bool `json:"processLinks"`
}

type configResponse struct {
	Success bool           `json:"success"`
	Config  *RewriteConfig `json:"config,omitempty"`
	Message string         `json:"message,omitempty"`
}

// SettingsHandler is an HTTP handler for reading and updating the runtime rewrite configuration.
func (c *Config) SettingsHandler(w http.ResponseWriter, r *http.Request) {
	// Check the request method
	switch r.Method {
	case "GET":
		current := c.Settings.Load()
		writeConfigResponse(w, http.StatusOK, configResponse{Success: true, Config: &current})
	case "POST":
		// Read the update from the request
		update := &configUpdate{}
		if decodeErr := json.NewDecoder(r.Body).Decode(update); decodeErr != nil {
			writeConfigResponse(w, http.StatusBadRequest, configResponse{Message: fmt.Sprintf("unable to decode config from JSON: %v", decodeErr)})
			return
		}
		if update.ProcessLinks == nil {
			writeConfigResponse(w, http.StatusBadRequest, configResponse{Message: "invalid config: processLinks must be a boolean"})
			return
		}

		updated := RewriteConfig{ProcessLinks: *update.ProcessLinks}
		c.Settings.Store(updated)
		log.WithField("processLinks", updated.ProcessLinks).Info("rewrite configuration updated")

		writeConfigResponse(w, http.StatusOK, configResponse{Success: true, Config: &updated})
	default:
		w.Header().Set("Allow", "GET, POST")
		writeConfigResponse(w, http.StatusMethodNotAllowed, configResponse{Message: "invalid request method: " + r.Method})
	}
}

func writeConfigResponse(w http.ResponseWriter, status int, response configResponse) {
	body, jsonErr := json.Marshal(response)
	if jsonErr != nil {
		http.Error(w, fmt.Sprintf("unable to convert config to JSON: %v", jsonErr), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, writeErr := w.Write(body); writeErr != nil {
		log.WithError(writeErr).Error("unable to write config to response")
	}
}
