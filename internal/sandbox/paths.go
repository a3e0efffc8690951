package sandbox

import (
	"path"
	"strings"
)

// resolvePath maps p onto an absolute path inside root. Relative paths are
// taken from root; anything that resolves outside root is rejected.
func resolvePath(root, p string) (string, error) {
	if strings.ContainsRune(p, 0) {
		return "", newError(KindInvalidPath, "path", "", "path contains a NUL byte", nil)
	}
	if strings.TrimSpace(p) == "" {
		return root, nil
	}
	if !path.IsAbs(p) {
		p = root + "/" + p
	}
	clean := path.Clean(p)
	if clean != root && !strings.HasPrefix(clean, root+"/") {
		return "", newError(KindInvalidPath, "path", "", "path escapes "+root+": "+p, nil)
	}
	return clean, nil
}

// resolveChild is resolvePath for targets that must not be root itself.
func resolveChild(root, p string) (string, error) {
	clean, err := resolvePath(root, p)
	if err != nil {
		return "", err
	}
	if clean == root {
		return "", newError(KindInvalidPath, "path", "", "path must name an entry inside "+root, nil)
	}
	return clean, nil
}
