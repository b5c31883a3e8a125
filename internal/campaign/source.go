package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/noah-isme/klinik-promo/internal/resilience"
)

// Source returns the campaigns active for a hospital, optionally narrowed
// to the ones a patient is eligible for.
type Source interface {
	Active(ctx context.Context, hospitalID, patientID string) ([]Campaign, error)
}

type activeResponse struct {
	Success   *bool             `json:"success"`
	Message   string            `json:"message"`
	Campaigns []json.RawMessage `json:"campaigns"`
}

// HTTPSource reads GET {BaseURL}/campaigns/active?hospital_id=&patient_id=.
type HTTPSource struct {
	BaseURL string
	HTTP    resilience.HTTPClient
	Logger  zerolog.Logger
}

// Active implements Source.
func (s HTTPSource) Active(ctx context.Context, hospitalID, patientID string) ([]Campaign, error) {
	hospitalID = strings.TrimSpace(hospitalID)
	if hospitalID == "" {
		return nil, errors.New("campaign: hospital id is required")
	}
	base := strings.TrimRight(strings.TrimSpace(s.BaseURL), "/")
	if base == "" {
		return nil, errors.New("campaign: base url not configured")
	}
	q := url.Values{}
	q.Set("hospital_id", hospitalID)
	if p := strings.TrimSpace(patientID); p != "" {
		q.Set("patient_id", p)
	}
	var body activeResponse
	if err := s.HTTP.GetJSON(ctx, base+"/campaigns/active?"+q.Encode(), &body); err != nil {
		return nil, fmt.Errorf("campaign: fetch active: %w", err)
	}
	if body.Success != nil && !*body.Success {
		return nil, fmt.Errorf("campaign: upstream reported failure: %s", body.Message)
	}
	campaigns, errs := DecodeList(body.Campaigns)
	for _, err := range errs {
		s.Logger.Warn().Err(err).Str("hospital_id", hospitalID).Msg("campaign dropped")
	}
	return campaigns, nil
}

// FileSource serves campaigns from a YAML fixture file. Entries carry the
// same fields as the upstream JSON plus optional hospitalIds/patientIds
// scoping lists.
type FileSource struct {
	Path   string
	Logger zerolog.Logger
}

type fileEntry struct {
	HospitalIDs []string       `yaml:"hospitalIds"`
	PatientIDs  []string       `yaml:"patientIds"`
	Campaign    map[string]any `yaml:",inline"`
}

// Active implements Source. The file is re-read on every call.
func (s FileSource) Active(_ context.Context, hospitalID, patientID string) ([]Campaign, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("campaign: read fixtures: %w", err)
	}
	var doc struct {
		Campaigns []fileEntry `yaml:"campaigns"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("campaign: parse fixtures: %w", err)
	}
	raws := make([]json.RawMessage, 0, len(doc.Campaigns))
	for _, entry := range doc.Campaigns {
		if !scoped(entry.HospitalIDs, hospitalID) || !scoped(entry.PatientIDs, patientID) {
			continue
		}
		raw, err := json.Marshal(entry.Campaign)
		if err != nil {
			s.Logger.Warn().Err(err).Msg("campaign fixture not encodable")
			continue
		}
		raws = append(raws, raw)
	}
	campaigns, errs := DecodeList(raws)
	for _, err := range errs {
		s.Logger.Warn().Err(err).Str("path", s.Path).Msg("campaign dropped")
	}
	return campaigns, nil
}

// scoped reports whether value passes an optional allow-list. An empty
// list admits everything; a non-empty list requires a match.
func scoped(allowed []string, value string) bool {
	if len(allowed) == 0 {
		return true
	}
	value = strings.TrimSpace(value)
	for _, a := range allowed {
		if strings.TrimSpace(a) == value {
			return true
		}
	}
	return false
}
