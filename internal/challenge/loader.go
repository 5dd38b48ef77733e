package challenge

import (
	"bytes"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/lpem/lpem/internal/lpemerr"
)

// idPattern is the charset allowed for a challenge identifier.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// rawChallenge mirrors the on-disk YAML grammar before step
// discrimination; each step is kept as a generic yaml.Node so its `type`
// field can be inspected before deciding the concrete Go type. Decoding
// with KnownFields enabled rejects unrecognized top-level keys.
type rawChallenge struct {
	ID                   string      `yaml:"id"`
	Name                 string      `yaml:"name"`
	Description          string      `yaml:"description"`
	Category             string      `yaml:"category"`
	Difficulty           string      `yaml:"difficulty"`
	Score                int         `yaml:"score"`
	Concepts             []string    `yaml:"concepts"`
	Setup                []yaml.Node `yaml:"setup"`
	UserActionSimulation string      `yaml:"user_action_simulation"`
	Validation           []yaml.Node `yaml:"validation"`
	Hints                []rawHint   `yaml:"hints"`
	Flag                 string      `yaml:"flag"`
}

type rawHint struct {
	Text string `yaml:"text"`
	Cost int    `yaml:"cost"`
}

// Load reads and parses a challenge descriptor from path.
func Load(path string) (*Challenge, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, lpemerr.New("challenge.Load", lpemerr.ChallengeLoad, err)
	}
	return Parse(data)
}

// Parse parses challenge descriptor YAML from raw bytes, rejecting any
// top-level key the grammar does not recognize. On failure it returns a
// ChallengeLoad error carrying every reason found, not just the first.
func Parse(data []byte) (*Challenge, error) {
	var raw rawChallenge
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil {
		return nil, lpemerr.NewLoad("challenge.Parse", []string{err.Error()})
	}

	var reasons []string
	if raw.ID == "" {
		reasons = append(reasons, `challenge is missing required field "id"`)
	} else if !idPattern.MatchString(raw.ID) {
		reasons = append(reasons, fmt.Sprintf("id %q must match [A-Za-z0-9._-]+", raw.ID))
	}
	if raw.Name == "" {
		reasons = append(reasons, `challenge is missing required field "name"`)
	}
	if raw.Description == "" {
		reasons = append(reasons, `challenge is missing required field "description"`)
	}

	setup, err := decodeSteps(raw.Setup)
	if err != nil {
		reasons = append(reasons, fmt.Sprintf("setup: %v", err))
	}
	validate, err := decodeSteps(raw.Validation)
	if err != nil {
		reasons = append(reasons, fmt.Sprintf("validation: %v", err))
	} else if len(validate) == 0 {
		reasons = append(reasons, "challenge has no validation steps")
	}

	if len(reasons) > 0 {
		return nil, lpemerr.NewLoad("challenge.Parse", reasons)
	}

	hints := make([]Hint, 0, len(raw.Hints))
	for _, h := range raw.Hints {
		hints = append(hints, Hint{Text: h.Text, Cost: h.Cost})
	}

	score := raw.Score
	if score == 0 {
		score = 100
	}

	concepts := raw.Concepts
	if concepts == nil {
		concepts = []string{}
	}

	return &Challenge{
		ID:                   raw.ID,
		Name:                 raw.Name,
		Description:          raw.Description,
		Category:             raw.Category,
		Difficulty:           raw.Difficulty,
		BaseScore:            score,
		Concepts:             concepts,
		Setup:                setup,
		UserActionSimulation: raw.UserActionSimulation,
		Validate:             validate,
		Hints:                hints,
		Flag:                 raw.Flag,
	}, nil
}

func decodeSteps(nodes []yaml.Node) ([]Step, error) {
	steps := make([]Step, 0, len(nodes))
	for i := range nodes {
		step, err := decodeStep(&nodes[i])
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		steps = append(steps, step)
	}
	return steps, nil
}

func decodeStep(node *yaml.Node) (Step, error) {
	var disc struct {
		Type string `yaml:"type"`
	}
	if err := node.Decode(&disc); err != nil {
		return nil, err
	}

	switch StepKind(disc.Type) {
	case KindRunCommand:
		var s struct {
			Command  string `yaml:"command"`
			Criteria *struct {
				ExitStatus         *int   `yaml:"exit_status"`
				StdoutEquals       string `yaml:"stdout_equals"`
				StdoutContains     string `yaml:"stdout_contains"`
				StdoutMatchesRegex string `yaml:"stdout_matches_regex"`
				StderrEmpty        *bool  `yaml:"stderr_empty"`
				StderrContains     string `yaml:"stderr_contains"`
			} `yaml:"success_criteria"`
		}
		if err := node.Decode(&s); err != nil {
			return nil, err
		}
		step := RunCommandStep{Command: s.Command}
		if s.Criteria != nil {
			if s.Criteria.ExitStatus != nil {
				step.ExitStatus = *s.Criteria.ExitStatus
			}
			step.StdoutEquals = s.Criteria.StdoutEquals
			step.StdoutContains = s.Criteria.StdoutContains
			step.StderrContains = s.Criteria.StderrContains
			step.StderrEmpty = s.Criteria.StderrEmpty
			if s.Criteria.StdoutMatchesRegex != "" {
				re, err := regexp.Compile("(?m)" + s.Criteria.StdoutMatchesRegex)
				if err != nil {
					return nil, fmt.Errorf("stdout_matches_regex: %w", err)
				}
				step.StdoutMatchesRegex = re
			}
		}
		return step, nil

	case KindCheckServiceStatus:
		var s struct {
			Service        string `yaml:"service"`
			ExpectedStatus string `yaml:"expected_status"`
			CheckEnabled   bool   `yaml:"check_enabled"`
		}
		if err := node.Decode(&s); err != nil {
			return nil, err
		}
		switch s.ExpectedStatus {
		case "active", "inactive", "failed":
		default:
			return nil, fmt.Errorf("check_service_status: expected_status must be one of active, inactive, failed, got %q", s.ExpectedStatus)
		}
		return CheckServiceStatusStep{Service: s.Service, ExpectedStatus: s.ExpectedStatus, CheckEnabled: s.CheckEnabled}, nil

	case KindCheckPortListening:
		var s struct {
			Port          int    `yaml:"port"`
			Protocol      string `yaml:"protocol"`
			ExpectedState bool   `yaml:"expected_state"`
		}
		if err := node.Decode(&s); err != nil {
			return nil, err
		}
		proto := s.Protocol
		if proto == "" {
			proto = "tcp"
		}
		return CheckPortListeningStep{Port: s.Port, Protocol: proto, ExpectedState: s.ExpectedState}, nil

	case KindCheckFileExists:
		var s struct {
			Path          string `yaml:"path"`
			ExpectedState bool   `yaml:"expected_state"`
			FileType      string `yaml:"file_type"`
		}
		if err := node.Decode(&s); err != nil {
			return nil, err
		}
		fileType := s.FileType
		if fileType == "" {
			fileType = "any"
		}
		return CheckFileExistsStep{Path: s.Path, ExpectedState: s.ExpectedState, FileType: fileType}, nil

	case KindCheckFileContains:
		var s struct {
			Path          string `yaml:"path"`
			ExpectedState bool   `yaml:"expected_state"`
			Text          string `yaml:"text"`
			MatchesRegex  string `yaml:"matches_regex"`
		}
		if err := node.Decode(&s); err != nil {
			return nil, err
		}
		if (s.Text == "") == (s.MatchesRegex == "") {
			return nil, fmt.Errorf("check_file_contains: exactly one of text or matches_regex is required")
		}
		return CheckFileContainsStep{Path: s.Path, ExpectedState: s.ExpectedState, Text: s.Text, MatchesRegex: s.MatchesRegex}, nil

	default:
		return nil, fmt.Errorf("unknown step type %q", disc.Type)
	}
}
