package aml

import "github.com/driftkernel/drift/pkg/kerrors"

// FieldUnit is one named entry inside a Field/IndexField list: a bit
// offset and width into the backing OpRegion, registered into the
// namespace as a leaf so ordinary name resolution can reach it.
type FieldUnit struct {
	name      string
	parent    *ScopeEntity
	bitOffset int
	bitWidth  int
	region    string // name of the backing OpRegion
}

func (f *FieldUnit) Name() string           { return f.name }
func (f *FieldUnit) Parent() *ScopeEntity   { return f.parent }
func (f *FieldUnit) setParent(p *ScopeEntity) { f.parent = p }

// parseFieldList implements spec.md §4.3 "Field list": ReservedField
// (0x00 + pkglen), AccessField (0x01 + access_type + access_attrib),
// ConnectField (0x02), ExtendedAccessField (0x03), otherwise NamedField
// (nameseg + pkglen). bitOffset advances by each field's width in bits.
func (p *Parser) parseFieldList(region string, end int) error {
	bitOffset := 0
	for p.c.pos < end {
		b, err := p.c.peekU8()
		if err != nil {
			return err
		}
		switch b {
		case 0x00: // ReservedField
			p.c.getU8()
			width, _, err := readPkgLen(p.c)
			if err != nil {
				return err
			}
			bitOffset += width
		case 0x01: // AccessField
			p.c.getU8()
			if _, err := p.c.getU8(); err != nil { // access_type
				return err
			}
			if _, err := p.c.getU8(); err != nil { // access_attrib
				return err
			}
		case 0x02: // ConnectField
			p.c.getU8()
			if _, err := p.c.getU8(); err != nil {
				return err
			}
		case 0x03: // ExtendedAccessField
			p.c.getU8()
			for i := 0; i < 3; i++ {
				if _, err := p.c.getU8(); err != nil {
					return err
				}
			}
		default:
			seg, err := parseNameSeg(p.c)
			if err != nil {
				return err
			}
			width, _, err := readPkgLen(p.c)
			if err != nil {
				return err
			}
			fu := &FieldUnit{name: seg, bitOffset: bitOffset, bitWidth: width, region: region}
			if p.mode&ModeParse != 0 {
				p.cur.Append(fu)
			}
			bitOffset += width
		}
	}
	if p.c.pos != end {
		return kerrors.New(kerrors.LengthOverflow, "aml: field list overran its pkglength")
	}
	return nil
}
