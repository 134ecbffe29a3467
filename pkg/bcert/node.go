// Package bcert navigates the SEP certificate (BCert) embedded in TSS requests.
//
// The BCert layout is not stable across firmware generations, so instead of
// unmarshalling into fixed structs the certificate is decoded into an untyped
// tree of Nodes and individual fields are resolved by independent, fallible
// lookups over that tree.
package bcert

import (
	encoding_asn1 "encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

const maxDepth = 64

const (
	classMask        = 0xc0
	classContext     = 0x80
	constructedFlag  = 0x20
	tagNumberMask    = 0x1f
	truncateTextSize = 32
)

var (
	// ErrMalformed is returned when the input is not a DER TLV element
	ErrMalformed = errors.New("malformed TLV element")
	// ErrTrailingData is returned when bytes remain after the outermost element
	ErrTrailingData = errors.New("trailing data after TLV element")
)

// Node is a decoded TLV element. Constructed elements carry Children,
// primitive elements carry their value in Content.
type Node struct {
	Tag      asn1.Tag
	Raw      []byte // full element (tag, length and content)
	Content  []byte
	Children []*Node
}

// Decode decodes a DER buffer into a Node tree
func Decode(der []byte) (*Node, error) {
	if len(der) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrMalformed)
	}
	input := cryptobyte.String(der)
	n, err := readNode(&input, 0)
	if err != nil {
		return nil, err
	}
	if !input.Empty() {
		return nil, fmt.Errorf("%w: %d bytes", ErrTrailingData, len(input))
	}
	return n, nil
}

func readNode(s *cryptobyte.String, depth int) (*Node, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("%w: nested deeper than %d", ErrMalformed, maxDepth)
	}

	var elem cryptobyte.String
	var tag asn1.Tag
	if !s.ReadAnyASN1Element(&elem, &tag) {
		return nil, fmt.Errorf("%w: at depth %d", ErrMalformed, depth)
	}
	n := &Node{Tag: tag, Raw: elem}

	var content cryptobyte.String
	if !elem.ReadAnyASN1(&content, &tag) {
		return nil, fmt.Errorf("%w: at depth %d", ErrMalformed, depth)
	}
	n.Content = content

	if !n.IsConstructed() {
		return n, nil
	}

	n.Children = []*Node{}
	for !content.Empty() {
		child, err := readNode(&content, depth+1)
		if err != nil {
			return nil, err
		}
		n.Children = append(n.Children, child)
	}

	return n, nil
}

// IsConstructed returns true if the node is a sequence of child nodes
func (n *Node) IsConstructed() bool {
	return n != nil && n.Tag&constructedFlag != 0
}

// IsLeaf returns true if the node holds a raw value
func (n *Node) IsLeaf() bool {
	return n != nil && !n.IsConstructed()
}

// IsSequence returns true for universal SEQUENCE nodes
func (n *Node) IsSequence() bool {
	return n != nil && n.Tag == asn1.SEQUENCE
}

// IsContext returns true for context-specific [tag] nodes
func (n *Node) IsContext(tag uint8) bool {
	return n != nil && n.Tag&classMask == classContext && uint8(n.Tag&tagNumberMask) == tag
}

// Len returns the number of children
func (n *Node) Len() int {
	if n == nil {
		return 0
	}
	return len(n.Children)
}

// Child returns the i-th child
func (n *Node) Child(i int) (*Node, bool) {
	if n == nil || i < 0 || i >= len(n.Children) {
		return nil, false
	}
	return n.Children[i], true
}

// Last returns the last child
func (n *Node) Last() (*Node, bool) {
	return n.Child(n.Len() - 1)
}

// At follows a path of child indexes; negative indexes count from the end (-1 is the last child)
func (n *Node) At(path ...int) (*Node, bool) {
	cur := n
	for _, i := range path {
		if i < 0 {
			i += cur.Len()
		}
		next, ok := cur.Child(i)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, cur != nil
}

// FirstLeaf returns the node itself if it is a leaf, else its first leaf descendant
func (n *Node) FirstLeaf() (*Node, bool) {
	cur := n
	for cur.IsConstructed() {
		next, ok := cur.Child(0)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, cur != nil
}

// OID returns the node value as an object identifier
func (n *Node) OID() (encoding_asn1.ObjectIdentifier, bool) {
	if n == nil || n.Tag != asn1.OBJECT_IDENTIFIER {
		return nil, false
	}
	var oid encoding_asn1.ObjectIdentifier
	s := cryptobyte.String(n.Raw)
	if !s.ReadASN1ObjectIdentifier(&oid) {
		return nil, false
	}
	return oid, true
}

// Time returns the node value as a timestamp (UTCTime or GeneralizedTime)
func (n *Node) Time() (time.Time, bool) {
	if n == nil {
		return time.Time{}, false
	}
	var t time.Time
	s := cryptobyte.String(n.Raw)
	switch n.Tag {
	case asn1.UTCTime:
		if !s.ReadASN1UTCTime(&t) {
			return time.Time{}, false
		}
	case asn1.GeneralizedTime:
		if !s.ReadASN1GeneralizedTime(&t) {
			return time.Time{}, false
		}
	default:
		return time.Time{}, false
	}
	return t, true
}

// Text renders a leaf value as text. Constructed nodes have no text.
func (n *Node) Text() string {
	if !n.IsLeaf() {
		return ""
	}
	switch n.Tag {
	case asn1.OBJECT_IDENTIFIER:
		if oid, ok := n.OID(); ok {
			return oid.String()
		}
	case asn1.INTEGER:
		i := new(big.Int)
		s := cryptobyte.String(n.Raw)
		if s.ReadASN1Integer(i) {
			return i.String()
		}
	case asn1.ENUM:
		var e int
		s := cryptobyte.String(n.Raw)
		if s.ReadASN1Enum(&e) {
			return strconv.Itoa(e)
		}
	case asn1.BOOLEAN:
		if len(n.Content) == 1 {
			return strconv.FormatBool(n.Content[0] != 0)
		}
	}
	return string(n.Content)
}

func truncate(s string) string {
	if len(s) > truncateTextSize {
		return s[:truncateTextSize] + "..."
	}
	return s
}
