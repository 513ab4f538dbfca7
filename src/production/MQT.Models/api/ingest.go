package api_models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	mqtmodels "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Models"
)

// IngestRequest is the device payload accepted by POST /api/sensordata.
// Both the compact device shape {id, temp, hum, pres} and the long shape
// {device_id, temperature, humidity, pressure} are understood.
type IngestRequest struct {
	DeviceID json.RawMessage `json:"device_id,omitempty"`
	ID       json.RawMessage `json:"id,omitempty"`
	Room     *string         `json:"room"`

	Temperature json.RawMessage `json:"temperature,omitempty"`
	Temp        json.RawMessage `json:"temp,omitempty"`
	Humidity    json.RawMessage `json:"humidity,omitempty"`
	Hum         json.RawMessage `json:"hum,omitempty"`
	Pressure    json.RawMessage `json:"pressure,omitempty"`
	Pres        json.RawMessage `json:"pres,omitempty"`
}

// IngestCommand is a validated ingest request
type IngestCommand struct {
	DeviceID    string  `json:"device_id"`
	Room        string  `json:"room"`
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
	Pressure    float64 `json:"pressure"`
}

// IngestResponse acknowledges an accepted reading
type IngestResponse struct {
	Status  string                `json:"status"`
	Reading mqtmodels.LatestEntry `json:"reading"`
}

// ParseIngestRequest decodes and validates a raw JSON body
func ParseIngestRequest(body []byte) (IngestCommand, error) {
	var req IngestRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return IngestCommand{}, &mqtmodels.ValidationError{Problems: []string{"body is not a JSON object: " + err.Error()}}
	}
	return req.Validate()
}

// Validate checks every field and collects all problems at once
func (r *IngestRequest) Validate() (IngestCommand, error) {
	var problems []string
	var cmd IngestCommand

	id, err := deviceID(pick(r.DeviceID, r.ID))
	if err != nil {
		problems = append(problems, err.Error())
	}
	cmd.DeviceID = id

	if r.Room == nil {
		problems = append(problems, "room is required")
	} else {
		cmd.Room = *r.Room
	}

	fields := []struct {
		name  string
		raw   json.RawMessage
		value *float64
	}{
		{"temperature", pick(r.Temperature, r.Temp), &cmd.Temperature},
		{"humidity", pick(r.Humidity, r.Hum), &cmd.Humidity},
		{"pressure", pick(r.Pressure, r.Pres), &cmd.Pressure},
	}
	for _, f := range fields {
		v, err := number(f.name, f.raw)
		if err != nil {
			problems = append(problems, err.Error())
			continue
		}
		*f.value = v
	}

	if len(problems) > 0 {
		return IngestCommand{}, &mqtmodels.ValidationError{Problems: problems}
	}
	return cmd, nil
}

func pick(primary, fallback json.RawMessage) json.RawMessage {
	if len(primary) > 0 {
		return primary
	}
	return fallback
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// deviceID accepts a non-empty string or an integer, returned as decimal text
func deviceID(raw json.RawMessage) (string, error) {
	if isNull(raw) {
		return "", fmt.Errorf("device_id is required")
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		if s == "" {
			return "", fmt.Errorf("device_id must not be empty")
		}
		return s, nil
	}

	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&n); err == nil {
		if i, err := n.Int64(); err == nil {
			return fmt.Sprintf("%d", i), nil
		}
	}
	return "", fmt.Errorf("device_id must be a string or an integer")
}

func number(name string, raw json.RawMessage) (float64, error) {
	if isNull(raw) {
		return 0, fmt.Errorf("%s is required", name)
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, fmt.Errorf("%s must be a number", name)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%s must be finite", name)
	}
	return v, nil
}
