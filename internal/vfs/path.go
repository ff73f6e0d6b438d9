package vfs

import (
	"strings"

	"github.com/justanotherdot/mello/internal/common"
)

// maxSymlinkDepth bounds symlink-following recursion (spec 4.11: "symlinks
// are followed up to a fixed loop budget").
const maxSymlinkDepth = 40

// ResolveOpts controls terminal-component behavior.
type ResolveOpts struct {
	// NoFollowTrailingSymlink makes Resolve return the symlink inode
	// itself rather than following it, when the symlink is the final
	// path component (the lstat/O_NOFOLLOW case).
	NoFollowTrailingSymlink bool
}

// Resolver performs the iterative path walk spec 4.11 describes,
// substituting mounted roots as it crosses mount points.
type Resolver struct {
	mounts *MountTable
}

func NewResolver(mounts *MountTable) *Resolver {
	return &Resolver{mounts: mounts}
}

// Resolve walks path starting from cwd (or root, if path is absolute),
// returning the resolved inode. "." is handled here as a no-op step;
// ".." is delegated to the directory inode's own Lookup -- every
// directory implementation is expected to serve a ".." entry the way a
// real filesystem's directory tree does.
func (r *Resolver) Resolve(root, cwd Inode, path string, opts ResolveOpts) (Inode, common.Err_t) {
	budget := maxSymlinkDepth
	return r.resolve(root, cwd, path, &budget, opts)
}

func (r *Resolver) resolve(root, base Inode, path string, budget *int, opts ResolveOpts) (Inode, common.Err_t) {
	if path == "" {
		return nil, common.ENOENT
	}
	trailingSlash := path != "/" && strings.HasSuffix(path, "/")

	cur := base
	if strings.HasPrefix(path, "/") {
		cur = root
	}
	parts := splitPath(path)
	if len(parts) == 0 {
		return cur, 0
	}

	for i, comp := range parts {
		isLast := i == len(parts)-1

		var next Inode
		var err common.Err_t
		if comp == "." {
			next = cur
		} else {
			next, err = cur.Lookup(comp)
			if err != 0 {
				return nil, err
			}
		}

		if mroot, ok := r.mounts.Substitute(next.Ino()); ok {
			next = mroot
		}

		if next.Type() == TypeSymlink && (!isLast || !opts.NoFollowTrailingSymlink) {
			*budget--
			if *budget <= 0 {
				return nil, common.ELOOP
			}
			target, lerr := next.Readlink()
			if lerr != 0 {
				return nil, lerr
			}
			rest := strings.Join(parts[i+1:], "/")
			combined := target
			if rest != "" {
				combined += "/" + rest
			} else if trailingSlash {
				combined += "/"
			}
			return r.resolve(root, cur, combined, budget, opts)
		}

		cur = next
		if isLast && trailingSlash && cur.Type() != TypeDir {
			return nil, common.ENOTDIR
		}
	}
	return cur, 0
}

// splitPath breaks a path into its non-empty components; "." components,
// leading or not, are kept and resolve treats each as a no-op step.
func splitPath(path string) []string {
	raw := strings.Split(path, "/")
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
