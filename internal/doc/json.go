package doc

import (
	"encoding/json"
	"fmt"
	"strings"

	"fortio.org/safecast"
	"golang.org/x/text/unicode/norm"
)

// Parse decodes documentJSON. Text runs are normalised to NFC so character
// counts, and therefore positions, agree across clients.
func Parse(data []byte) (*Document, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return New(nil), nil
	}
	var root Node
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if root.Type != TypeDoc {
		return nil, fmt.Errorf("%w: root type %q", ErrInvalidDocument, root.Type)
	}
	if err := sanitize(&root, "content"); err != nil {
		return nil, err
	}
	return New(&root), nil
}

func sanitize(node *Node, path string) error {
	if node.Type == "" {
		return fmt.Errorf("%w: %s: missing type", ErrInvalidDocument, path)
	}
	switch node.Kind() {
	case KindText:
		if len(node.Content) > 0 {
			return fmt.Errorf("%w: %s: text node with content", ErrInvalidDocument, path)
		}
		node.Text = norm.NFC.String(node.Text)
		return nil
	case KindLeaf:
		if len(node.Content) > 0 {
			return fmt.Errorf("%w: %s: %s cannot hold content", ErrInvalidDocument, path, node.Type)
		}
		return nil
	}
	if node.Text != "" {
		return fmt.Errorf("%w: %s: %s cannot hold text", ErrInvalidDocument, path, node.Type)
	}
	for i, child := range node.Content {
		if child == nil {
			return fmt.Errorf("%w: %s[%d]: null node", ErrInvalidDocument, path, i)
		}
		if child.Type == TypeDoc {
			return fmt.Errorf("%w: %s[%d]: nested doc", ErrInvalidDocument, path, i)
		}
		if err := sanitize(child, fmt.Sprintf("%s[%d]", path, i)); err != nil {
			return err
		}
	}
	node.Content = normalize(node.Content)
	return nil
}

// MarshalJSON writes documentJSON.
func (d *Document) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.root)
}

// JSON is MarshalJSON without the error for callers holding a valid tree.
func (d *Document) JSON() json.RawMessage {
	data, err := json.Marshal(d.root)
	if err != nil {
		return json.RawMessage(`{"type":"doc"}`)
	}
	return data
}

// IntAttr reads a numeric attribute. JSON numbers decode as float64, so the
// conversion is checked.
func (n *Node) IntAttr(key string) (int, bool) {
	switch value := n.Attr(key).(type) {
	case int:
		return value, true
	case int64:
		out, err := safecast.Conv[int](value)
		return out, err == nil
	case float64:
		out, err := safecast.Convert[int](value)
		return out, err == nil
	case json.Number:
		parsed, err := value.Int64()
		if err != nil {
			return 0, false
		}
		out, err := safecast.Conv[int](parsed)
		return out, err == nil
	}
	return 0, false
}
