package models

import (
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Canonical artifact file names.
const (
	FileHTML    = "index.html"
	FileCSS     = "style.css"
	FileJS      = "script.js"
	FileReadme  = "README.md"
	FileLicense = "LICENSE"
)

// CanonicalFiles are the files every generated application must contain.
var CanonicalFiles = []string{FileHTML, FileCSS, FileJS, FileReadme}

type Attachment struct {
	Name string `json:"name" validate:"required"`
	URL  string `json:"url" validate:"required,attachment_url"`
}

type TaskRequest struct {
	Email         string       `json:"email" validate:"required,email"`
	Secret        string       `json:"secret" validate:"required"`
	Task          string       `json:"task" validate:"required,max=100"`
	Round         int          `json:"round" validate:"required,gte=1"`
	Nonce         string       `json:"nonce" validate:"required"`
	Brief         string       `json:"brief" validate:"required"`
	Checks        []string     `json:"checks" validate:"required,min=1,dive,required"`
	EvaluationURL string       `json:"evaluation_url" validate:"required,http_url"`
	Attachments   []Attachment `json:"attachments" validate:"omitempty,dive"`
}

// FieldError describes one failed validation rule.
type FieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
	Param string `json:"param,omitempty"`
}

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	if err := validate.RegisterValidation("attachment_url", validateAttachmentURL); err != nil {
		panic(err)
	}
}

// validateAttachmentURL accepts http(s) URLs and inline data: URIs.
func validateAttachmentURL(fl validator.FieldLevel) bool {
	v := fl.Field().String()
	if strings.HasPrefix(v, "data:") {
		return strings.Contains(v, ",")
	}
	return validate.Var(v, "http_url") == nil
}

// Validate checks the request shape. It returns nil or a non-empty
// []FieldError describing every violated rule.
func (r *TaskRequest) Validate() []FieldError {
	err := validate.Struct(r)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []FieldError{{Field: "", Rule: err.Error()}}
	}
	fields := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		// Namespace is "TaskRequest.checks[0]"; drop the struct name.
		_, field, _ := strings.Cut(fe.Namespace(), ".")
		fields = append(fields, FieldError{Field: field, Rule: fe.Tag(), Param: fe.Param()})
	}
	return fields
}

// ArtifactSet maps file names to file contents.
type ArtifactSet map[string]string

// Complete reports whether every canonical file is present and non-empty.
func (a ArtifactSet) Complete() bool {
	for _, name := range CanonicalFiles {
		if strings.TrimSpace(a[name]) == "" {
			return false
		}
	}
	return true
}

type RepositoryRecord struct {
	ID            int64
	Task          string
	Owner         string
	Name          string
	DefaultBranch string
	HTMLURL       string
	PagesURL      string
	PagesEnabled  bool
	LastCommitSHA string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// FullName returns "owner/name".
func (r RepositoryRecord) FullName() string {
	return r.Owner + "/" + r.Name
}

const StatusSuccess = "success"

type OutcomeResult struct {
	Email     string `json:"email"`
	Task      string `json:"task"`
	Round     int    `json:"round"`
	Nonce     string `json:"nonce"`
	RepoURL   string `json:"repo_url"`
	CommitSHA string `json:"commit_sha"`
	PagesURL  string `json:"pages_url"`
	Status    string `json:"status"`
}

// Submission is one processed (task, round, nonce) together with what was
// generated for it and the outcome that was reported.
type Submission struct {
	ID           int64
	Task         string
	Round        int
	Nonce        string
	Brief        string
	Checks       []string
	Artifacts    ArtifactSet
	Strategy     string
	RepositoryID int64
	Outcome      OutcomeResult
	CreatedAt    time.Time
}

type NotificationAttempt struct {
	ID         int64
	Task       string
	Round      int
	Nonce      string
	URL        string
	Attempt    int
	StatusCode int // 0 on transport error
	Error      string
	CreatedAt  time.Time
}
