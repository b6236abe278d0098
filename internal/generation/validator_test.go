package generation

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/genbot/backend/internal/models"
)

func TestValidator(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	tests := []struct {
		name    string
		kind    string
		params  string
		wantErr bool
	}{
		{"image ok", models.JobKindImage, `{"prompt":"a cat","width":768,"height":512}`, false},
		{"image blank prompt", models.JobKindImage, `{"prompt":"   "}`, true},
		{"image missing prompt", models.JobKindImage, `{"width":512}`, true},
		{"image width not multiple of 8", models.JobKindImage, `{"prompt":"a","width":513}`, true},
		{"image rejects input image", models.JobKindImage, `{"prompt":"a","input_image_url":"https://x/y.png"}`, true},
		{"video ok", models.JobKindVideo, `{"prompt":"waves"}`, false},
		{"video from image", models.JobKindVideo, `{"prompt":"waves","input_image_url":"https://cdn.example/a.png"}`, false},
		{"video bad image url", models.JobKindVideo, `{"prompt":"waves","input_image_url":"ftp://a"}`, true},
		{"unknown kind", "audio", `{"prompt":"x"}`, true},
		{"not json", models.JobKindImage, `{`, true},
		{"empty", models.JobKindImage, ``, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Validate(tt.kind, json.RawMessage(tt.params))
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidParams) {
					t.Errorf("expected ErrInvalidParams, got %v", err)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestWorkflowRender(t *testing.T) {
	wf, err := LoadWorkflows("")
	if err != nil {
		t.Fatalf("LoadWorkflows: %v", err)
	}

	out, err := wf.Render(WorkflowVideo, Params{Prompt: "rain on glass", Height: 480}, "")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if got := gjson.GetBytes(out, "6.inputs.text").String(); got != "rain on glass" {
		t.Errorf("prompt: got %q", got)
	}
	if got := gjson.GetBytes(out, "40.inputs.width").Int(); got != 832 {
		t.Errorf("unset width should keep template default, got %d", got)
	}
	if got := gjson.GetBytes(out, "3.inputs.seed").Int(); got == 0 {
		t.Error("zero seed should be randomised")
	}
	if gjson.GetBytes(out, "bindings").Exists() {
		t.Error("bindings must not leak into the workflow")
	}

	if _, err := wf.Render("nope", Params{Prompt: "x"}, ""); err == nil {
		t.Error("expected error for unknown workflow")
	}
}
