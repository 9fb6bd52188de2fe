package aml

import "github.com/driftkernel/drift/pkg/kerrors"

// rootName is the namespace root's 4-byte identifier — spec.md's Data Model
// reserves `\` for the resolver's path syntax, so the root object itself
// uses this sentinel key instead.
const rootName = "____"

// namePath is a parsed namestring: spec.md §4.3 "an optional prefix (\ for
// root, one or more ^ for parent), followed by zero or more 4-byte name
// segments".
type namePath struct {
	absolute bool
	upCount  int
	segments []string
}

func isLeadNameChar(b byte) bool {
	return (b >= 'A' && b <= 'Z') || b == '_'
}

func isNameChar(b byte) bool {
	return isLeadNameChar(b) || (b >= '0' && b <= '9')
}

// parseNameSeg reads exactly one 4-byte name segment.
func parseNameSeg(c *cursor) (string, error) {
	raw, err := c.getBytes(4)
	if err != nil {
		return "", kerrors.New(kerrors.InvalidName, "aml: truncated name segment")
	}
	if !isLeadNameChar(raw[0]) {
		return "", kerrors.New(kerrors.InvalidName, "aml: name segment has invalid lead character")
	}
	for _, b := range raw[1:] {
		if !isNameChar(b) {
			return "", kerrors.New(kerrors.InvalidName, "aml: name segment has invalid character")
		}
	}
	return string(raw), nil
}

// parseNameString implements spec.md §4.3 "Namestring encoding": the
// optional `\`/`^` prefix, then a NamePath — NullName (0x00), a bare
// segment (implicit count=1), DualNamePrefix (0x2E, count=2), or
// MultiNamePrefix (0x2F, count byte, count segments).
func parseNameString(c *cursor) (namePath, error) {
	var np namePath

	for {
		b, err := c.peekU8()
		if err != nil {
			return namePath{}, err
		}
		if b == '\\' {
			c.getU8()
			np.absolute = true
			continue
		}
		if b == '^' {
			c.getU8()
			np.upCount++
			continue
		}
		break
	}

	b, err := c.peekU8()
	if err != nil {
		return namePath{}, err
	}
	switch b {
	case 0x00: // NullName
		c.getU8()
		return np, nil
	case 0x2E: // DualNamePrefix
		c.getU8()
		for i := 0; i < 2; i++ {
			seg, err := parseNameSeg(c)
			if err != nil {
				return namePath{}, err
			}
			np.segments = append(np.segments, seg)
		}
		return np, nil
	case 0x2F: // MultiNamePrefix
		c.getU8()
		count, err := c.getU8()
		if err != nil {
			return namePath{}, err
		}
		for i := 0; i < int(count); i++ {
			seg, err := parseNameSeg(c)
			if err != nil {
				return namePath{}, err
			}
			np.segments = append(np.segments, seg)
		}
		return np, nil
	default:
		seg, err := parseNameSeg(c)
		if err != nil {
			return namePath{}, err
		}
		np.segments = []string{seg}
		return np, nil
	}
}
