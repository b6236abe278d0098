package generation

import (
	"embed"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Workflow template names.
const (
	WorkflowImage    = "image"
	WorkflowVideo    = "video"
	WorkflowVideoI2V = "video_i2v"
)

//go:embed workflows/*.json
var embeddedWorkflows embed.FS

type template struct {
	workflow []byte
	bindings map[string][]string
}

// Workflows holds ComfyUI API-format templates. Each template file carries a
// "workflow" graph and "bindings" mapping parameter names to sjson paths.
type Workflows struct {
	templates map[string]template
}

// LoadWorkflows loads the embedded templates. A non-empty dir overrides any
// template with a same-named <name>.json file.
func LoadWorkflows(dir string) (*Workflows, error) {
	w := &Workflows{templates: make(map[string]template)}
	for _, name := range []string{WorkflowImage, WorkflowVideo, WorkflowVideoI2V} {
		data, err := embeddedWorkflows.ReadFile("workflows/" + name + ".json")
		if err != nil {
			return nil, fmt.Errorf("read embedded workflow %q: %w", name, err)
		}
		if dir != "" {
			override, err := os.ReadFile(filepath.Join(dir, name+".json"))
			switch {
			case err == nil:
				data = override
			case !errors.Is(err, os.ErrNotExist):
				return nil, fmt.Errorf("read workflow override %q: %w", name, err)
			}
		}
		tpl, err := parseTemplate(data)
		if err != nil {
			return nil, fmt.Errorf("workflow %q: %w", name, err)
		}
		w.templates[name] = tpl
	}
	return w, nil
}

func parseTemplate(data []byte) (template, error) {
	if !gjson.ValidBytes(data) {
		return template{}, errors.New("invalid JSON")
	}
	wf := gjson.GetBytes(data, "workflow")
	if !wf.IsObject() {
		return template{}, errors.New("missing workflow object")
	}
	tpl := template{workflow: []byte(wf.Raw), bindings: make(map[string][]string)}
	gjson.GetBytes(data, "bindings").ForEach(func(key, value gjson.Result) bool {
		for _, p := range value.Array() {
			tpl.bindings[key.String()] = append(tpl.bindings[key.String()], p.String())
		}
		return true
	})
	if len(tpl.bindings["prompt"]) == 0 {
		return template{}, errors.New("no binding for prompt")
	}
	return tpl, nil
}

// Render returns the named template with params substituted. image is the
// name of a previously uploaded input image, used by the i2v template.
// A zero seed is replaced with a random one.
func (w *Workflows) Render(name string, p Params, image string) ([]byte, error) {
	tpl, ok := w.templates[name]
	if !ok {
		return nil, fmt.Errorf("unknown workflow %q", name)
	}
	seed := p.Seed
	if seed == 0 {
		seed = rand.Int64N(1 << 48)
	}
	values := map[string]any{"seed": seed}
	if p.Prompt != "" {
		values["prompt"] = p.Prompt
	}
	if p.NegativePrompt != "" {
		values["negative_prompt"] = p.NegativePrompt
	}
	if p.Width > 0 {
		values["width"] = p.Width
	}
	if p.Height > 0 {
		values["height"] = p.Height
	}
	if image != "" {
		values["image"] = image
	}

	out := append([]byte(nil), tpl.workflow...)
	for key, paths := range tpl.bindings {
		v, ok := values[key]
		if !ok {
			continue
		}
		for _, path := range paths {
			var err error
			out, err = sjson.SetBytes(out, path, v)
			if err != nil {
				return nil, fmt.Errorf("set %s: %w", path, err)
			}
		}
	}
	return out, nil
}
