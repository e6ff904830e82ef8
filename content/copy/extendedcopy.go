package copy

import (
	"context"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/rancher/ociclient/content"
)

// ExtendedCopyGraph discovers the set of root descriptors reachable from
// node by walking predecessors up to opts.Depth levels (0 = unlimited),
// then copies the graph rooted at each into dst. Referrers of node are
// therefore carried along with the node itself.
func ExtendedCopyGraph(ctx context.Context, src content.GraphStorage, dst content.Storage, node ocispec.Descriptor, opts ExtendedCopyGraphOptions) error {
	roots, err := findRoots(ctx, src, node, opts)
	if err != nil {
		return err
	}
	for _, root := range roots {
		if err := CopyGraph(ctx, src, dst, root, opts.CopyGraphOptions); err != nil {
			return err
		}
	}
	return nil
}

// findRoots walks the predecessor graph upward from node, breadth first,
// collecting every descriptor with no known predecessors (or every
// descriptor at the depth cut-off) as a root.
func findRoots(ctx context.Context, src content.GraphStorage, node ocispec.Descriptor, opts ExtendedCopyGraphOptions) ([]ocispec.Descriptor, error) {
	findPredecessors := opts.FindPredecessors
	if findPredecessors == nil {
		findPredecessors = func(ctx context.Context, src content.PredecessorFindable, desc ocispec.Descriptor) ([]ocispec.Descriptor, error) {
			return src.Predecessors(ctx, desc)
		}
	}

	type entry struct {
		node  ocispec.Descriptor
		depth int
	}
	visited := map[any]struct{}{content.BasicKey(node): {}}
	roots := make(map[any]ocispec.Descriptor)
	queue := []entry{{node: node}}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		if opts.Depth > 0 && current.depth == opts.Depth {
			roots[content.BasicKey(current.node)] = current.node
			continue
		}
		predecessors, err := findPredecessors(ctx, src, current.node)
		if err != nil {
			return nil, err
		}
		if len(predecessors) == 0 {
			roots[content.BasicKey(current.node)] = current.node
			continue
		}
		for _, predecessor := range predecessors {
			key := content.BasicKey(predecessor)
			if _, ok := visited[key]; ok {
				continue
			}
			visited[key] = struct{}{}
			queue = append(queue, entry{node: predecessor, depth: current.depth + 1})
		}
	}

	out := make([]ocispec.Descriptor, 0, len(roots))
	for _, root := range roots {
		out = append(out, root)
	}
	return out, nil
}
