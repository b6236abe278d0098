package bot

import "strings"

const defaultNegativePrompt = "blurry, ugly, bad quality, distorted"

var promptParts = [][]string{
	{"a red fox", "an astronaut", "a lighthouse keeper", "a paper crane", "a vintage robot", "a snow leopard"},
	{"wearing a knitted scarf", "in a flight suit", "in a raincoat", "with a lantern", "with a brass telescope"},
	{"standing still", "mid-stride", "looking over the shoulder", "sitting on a crate", "reaching upward"},
	{"in a neon-lit alley", "on a windswept cliff", "inside a greenhouse", "at a night market", "on a frozen lake"},
	{"wide shot", "close-up", "low angle", "overhead view", "three-quarter view"},
	{"cinematic lighting", "watercolor", "studio ghibli style", "35mm film grain", "isometric 3d render"},
}

// RandomPrompt assembles one option from each prompt slot. pick returns an
// int in [0, n).
func RandomPrompt(pick func(n int) int) string {
	out := make([]string, 0, len(promptParts))
	for _, slot := range promptParts {
		out = append(out, slot[pick(len(slot))])
	}
	return strings.Join(out, ", ")
}
