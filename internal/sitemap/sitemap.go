// Package sitemap loads and validates the crawl site map: the hierarchy of
// campuses, colleges, departments and boards that the orchestrator fans out
// over. The file is read-only input; nothing in the pipeline mutates it.
package sitemap

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/noticegrid/ingestor/internal/ingest"
)

// SiteMap is the root of the site map document.
type SiteMap struct {
	Campuses []Campus `yaml:"campuses" validate:"required,min=1,dive"`
}

// Campus groups colleges under one campus label.
type Campus struct {
	Name     string    `yaml:"name" validate:"required"`
	Colleges []College `yaml:"colleges" validate:"required,min=1,dive"`
}

// College groups departments.
type College struct {
	Name        string       `yaml:"name" validate:"required"`
	Departments []Department `yaml:"departments" validate:"required,min=1,dive"`
}

// Department groups the boards it publishes on.
type Department struct {
	ID     string  `yaml:"id" validate:"required"`
	Name   string  `yaml:"name" validate:"required"`
	Boards []Entry `yaml:"boards" validate:"required,min=1,dive"`
}

// Entry is one crawlable board with its selector profile.
type Entry struct {
	ID       string         `yaml:"id" validate:"required"`
	Name     string         `yaml:"name" validate:"required"`
	Category string         `yaml:"category"`
	URL      string         `yaml:"url" validate:"required,url"`
	Profile  ingest.Profile `yaml:"profile"`
}

// Load reads and validates a site map file.
func Load(path string) (*SiteMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read site map %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals and validates site map bytes.
func Parse(data []byte) (*SiteMap, error) {
	var sm SiteMap
	if err := yaml.Unmarshal(data, &sm); err != nil {
		return nil, fmt.Errorf("parse site map: %w", err)
	}
	if err := sm.Validate(); err != nil {
		return nil, err
	}
	return &sm, nil
}

// Validate checks structural tags plus the rules the tags cannot express:
// globally unique board IDs and per-kind selector requirements.
func (s *SiteMap) Validate() error {
	if err := validator.New().Struct(s); err != nil {
		return fmt.Errorf("validate site map: %w", err)
	}

	seen := make(map[string]string)
	for _, campus := range s.Campuses {
		for _, college := range campus.Colleges {
			for _, dept := range college.Departments {
				for _, board := range dept.Boards {
					if prev, dup := seen[board.ID]; dup {
						return fmt.Errorf("validate site map: board id %q used by departments %q and %q", board.ID, prev, dept.ID)
					}
					seen[board.ID] = dept.ID
					if err := validateProfile(board); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

func validateProfile(board Entry) error {
	switch board.Profile.Kind {
	case ingest.ProfileHTML, ingest.ProfileRendered:
		if board.Profile.RowSelector == "" || board.Profile.TitleSelector == "" || board.Profile.LinkSelector == "" {
			return fmt.Errorf("validate site map: board %q needs row, title and link selectors for %s profiles", board.ID, board.Profile.Kind)
		}
	case ingest.ProfileRSS:
		// Feed URLs carry their own structure; no selectors needed.
	case "":
		return fmt.Errorf("validate site map: board %q is missing a profile kind", board.ID)
	default:
		return fmt.Errorf("validate site map: board %q has unknown profile kind %q", board.ID, board.Profile.Kind)
	}
	return nil
}

// Boards flattens the hierarchy into the crawl targets the orchestrator
// publishes, in document order.
func (s *SiteMap) Boards() []ingest.Board {
	var boards []ingest.Board
	for _, campus := range s.Campuses {
		for _, college := range campus.Colleges {
			for _, dept := range college.Departments {
				for _, board := range dept.Boards {
					boards = append(boards, ingest.Board{
						Campus:         campus.Name,
						College:        college.Name,
						DepartmentID:   dept.ID,
						DepartmentName: dept.Name,
						BoardID:        board.ID,
						BoardName:      board.Name,
						Category:       board.Category,
						TargetURL:      board.URL,
						Profile:        board.Profile,
					})
				}
			}
		}
	}
	return boards
}
