package shell

import "strings"

const modelFile = "model.onnx"

// RewriteModelRefs points every quoted 'model.onnx' literal in src at the
// mini-app's own namespace. Both quote styles are rewritten and preserved.
func RewriteModelRefs(src, slug string) string {
	full := AppPath(slug, modelFile)
	return strings.NewReplacer(
		"'"+modelFile+"'", "'"+full+"'",
		`"`+modelFile+`"`, `"`+full+`"`,
	).Replace(src)
}
