package layout

import (
	"debug/dwarf"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"log"
	"sort"
	"strings"
)

// Type names the compiler assigns to generated future state machines.
// See rustc_codegen_ssa/src/debuginfo/type_names.rs.
var futureTypeNames = []string{
	"gen_block",
	"gen_closure",
	"gen_fn",
	"async_block",
	"async_closure",
	"async_fn",
	"async_gen_block",
	"async_gen_closure",
	"async_gen_fn",
}

// On msvc targets the compiler emits `async_fn$0<T>`, elsewhere
// `{async_fn#0}<T>`, so the prefix check also skips the first byte.
func isFutureTypeName(name string) bool {
	for _, prefix := range futureTypeNames {
		if strings.HasPrefix(name, prefix) {
			return true
		}
		if len(name) > 1 && strings.HasPrefix(name[1:], prefix) {
			return true
		}
	}
	return false
}

// The final instruction of the poll-dispatch routine is 4 bytes on the
// supported targets; the breakpoint goes on the return point just before it.
const pollReturnInstructionSize = 4

// Build parses the DWARF metadata of the given object file into a Model.
// This is the only point in the system where debug metadata is consulted.
func Build(path string) (*Model, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open object file %s: %v", path, err)
	}
	defer f.Close()

	d, err := f.DWARF()
	if err != nil {
		return nil, fmt.Errorf("failed to read debug metadata from %s: %v", path, err)
	}

	return BuildFromDWARF(d)
}

// BuildFromDWARF builds a Model from already-loaded DWARF data.
func BuildFromDWARF(d *dwarf.Data) (*Model, error) {
	b := &builder{
		d:          d,
		structs:    make(map[dwarf.Offset]*structInfo),
		futures:    make(map[string]Layout),
		leafByName: make(map[string]*Leaf),
	}
	if err := b.walk(); err != nil {
		return nil, err
	}
	if err := b.buildFutures(); err != nil {
		return nil, err
	}
	if err := b.buildPools(); err != nil {
		return nil, err
	}
	pollReturns := b.pollReturnAddresses()
	if len(pollReturns) == 0 {
		return nil, fmt.Errorf("%w: poll-dispatch return point not found", ErrMissingSymbol)
	}

	futures := make([]Layout, 0, len(b.futures))
	for _, l := range b.futures {
		futures = append(futures, l)
	}
	return NewModel(futures, b.pools, pollReturns)
}

// node is one raw DWARF entry with its subtree. The builder works on fully
// materialized subtrees because the interesting structures (variant parts
// and their variants) are invisible to the debug/dwarf type parser.
type node struct {
	entry *dwarf.Entry
	kids  []*node
}

func (n *node) val(a dwarf.Attr) interface{} { return n.entry.Val(a) }

func (n *node) name() string {
	s, _ := n.val(dwarf.AttrName).(string)
	return s
}

type structInfo struct {
	node *node
	ns   []string
	full string
}

type varInfo struct {
	name    string
	ns      []string
	typeOff dwarf.Offset
	addr    uint64
	hasAddr bool
}

type fnInfo struct {
	offset  dwarf.Offset
	name    string
	linkage string
	path    string
	lowPC   uint64
	highPC  uint64
	hasPC   bool
	inline  bool
}

type inlInfo struct {
	origin dwarf.Offset
	highPC uint64
	hasPC  bool
}

type builder struct {
	d *dwarf.Data

	structs    map[dwarf.Offset]*structInfo
	vars       []varInfo
	fns        []fnInfo
	inlined    []inlInfo
	futures    map[string]Layout
	leafByName map[string]*Leaf
	pools      []TaskPool

	// occupancy is the scheduler header state field, shared by every pool.
	occupancy    Field
	hasOccupancy bool
}

// walk reads every compilation unit into subtrees and indexes the entries
// the model is built from.
func (b *builder) walk() error {
	r := b.d.Reader()
	for {
		e, err := r.Next()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if e == nil {
			return nil
		}
		if e.Tag != dwarf.TagCompileUnit {
			r.SkipChildren()
			continue
		}
		if !e.Children {
			continue
		}
		kids, err := readKids(r)
		if err != nil {
			return err
		}
		for _, kid := range kids {
			b.index(kid, nil)
		}
	}
}

func readKids(r *dwarf.Reader) ([]*node, error) {
	var kids []*node
	for {
		e, err := r.Next()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if e == nil {
			return nil, fmt.Errorf("%w: truncated entry tree", ErrMalformed)
		}
		if e.Tag == 0 {
			return kids, nil
		}
		n := &node{entry: e}
		if e.Children {
			if n.kids, err = readKids(r); err != nil {
				return nil, err
			}
		}
		kids = append(kids, n)
	}
}

func (b *builder) index(n *node, ns []string) {
	switch n.entry.Tag {
	case dwarf.TagNamespace:
		child := append(append([]string{}, ns...), n.name())
		for _, kid := range n.kids {
			b.index(kid, child)
		}
	case dwarf.TagStructType:
		name := n.name()
		if name != "" {
			b.structs[n.entry.Offset] = &structInfo{
				node: n,
				ns:   ns,
				full: joinPath(ns, name),
			}
		}
		// Nested struct types (variant payloads) live inside the
		// outer struct entry.
		for _, kid := range n.kids {
			b.index(kid, ns)
		}
	case dwarf.TagVariable:
		v := varInfo{name: n.name(), ns: ns}
		if off, ok := n.val(dwarf.AttrType).(dwarf.Offset); ok {
			v.typeOff = off
		}
		v.addr, v.hasAddr = staticAddress(n.entry)
		b.vars = append(b.vars, v)
	case dwarf.TagSubprogram:
		fn := fnInfo{
			offset: n.entry.Offset,
			name:   n.name(),
			path:   joinPath(ns, ""),
		}
		fn.linkage, _ = n.val(dwarf.AttrLinkageName).(string)
		fn.lowPC, fn.highPC, fn.hasPC = pcRange(n.entry)
		fn.inline = n.val(dwarf.AttrInline) != nil
		b.fns = append(b.fns, fn)
		for _, kid := range n.kids {
			b.indexInlined(kid)
		}
	default:
		for _, kid := range n.kids {
			b.index(kid, ns)
		}
	}
}

func (b *builder) indexInlined(n *node) {
	if n.entry.Tag == dwarf.TagInlinedSubroutine {
		if origin, ok := n.val(dwarf.AttrAbstractOrigin).(dwarf.Offset); ok {
			_, high, hasPC := pcRange(n.entry)
			b.inlined = append(b.inlined, inlInfo{origin: origin, highPC: high, hasPC: hasPC})
		}
	}
	for _, kid := range n.kids {
		b.indexInlined(kid)
	}
}

func joinPath(ns []string, name string) string {
	parts := ns
	if name != "" {
		parts = append(append([]string{}, ns...), name)
	}
	return strings.Join(parts, "::")
}

// staticAddress decodes a DW_OP_addr location expression.
func staticAddress(e *dwarf.Entry) (uint64, bool) {
	expr, ok := e.Val(dwarf.AttrLocation).([]byte)
	if !ok || len(expr) < 2 || expr[0] != 0x03 {
		return 0, false
	}
	switch len(expr) - 1 {
	case 4:
		return uint64(binary.LittleEndian.Uint32(expr[1:])), true
	case 8:
		return binary.LittleEndian.Uint64(expr[1:]), true
	}
	return 0, false
}

func pcRange(e *dwarf.Entry) (low, high uint64, ok bool) {
	low, ok = e.Val(dwarf.AttrLowpc).(uint64)
	switch h := e.Val(dwarf.AttrHighpc).(type) {
	case uint64:
		return low, h, ok
	case int64:
		if ok {
			return low, low + uint64(h), true
		}
	}
	return low, 0, false
}

func hasNamespaceSuffix(ns []string, suffix ...string) bool {
	if len(ns) < len(suffix) {
		return false
	}
	tail := ns[len(ns)-len(suffix):]
	for i := range suffix {
		if tail[i] != suffix[i] {
			return false
		}
	}
	return true
}

// buildFutures classifies every struct type into the closed layout set:
// async function state machines, fan combinators, or nothing.
func (b *builder) buildFutures() error {
	for _, si := range b.structs {
		name := si.node.name()
		switch {
		case isFutureTypeName(name):
			a, err := b.parseAsyncFn(si)
			if err != nil {
				return err
			}
			if _, dup := b.futures[a.Name]; !dup {
				b.futures[a.Name] = a
			}
		case hasNamespaceSuffix(si.ns, "embassy_futures", "join"):
			f, err := b.parseFan(si, WaitAll)
			if err != nil {
				return err
			}
			if f != nil {
				if _, dup := b.futures[f.Name]; !dup {
					b.futures[f.Name] = f
				}
			}
		case hasNamespaceSuffix(si.ns, "embassy_futures", "select"):
			f, err := b.parseFan(si, WaitFirst)
			if err != nil {
				return err
			}
			if f != nil {
				if _, dup := b.futures[f.Name]; !dup {
					b.futures[f.Name] = f
				}
			}
		case name == "TaskHeader" && hasNamespaceSuffix(si.ns, "embassy_executor", "raw"):
			if err := b.parseTaskHeader(si); err != nil {
				return err
			}
		}
	}
	return nil
}

// parseAsyncFn decodes the variant-part encoding of one compiled async
// function: a discriminant member named __state plus one variant per
// suspension point.
func (b *builder) parseAsyncFn(si *structInfo) (*AsyncFn, error) {
	full := si.full
	size, ok := si.node.val(dwarf.AttrByteSize).(int64)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no size", ErrUnsupportedEncoding, full)
	}

	var variantPart *node
	for _, kid := range si.node.kids {
		if kid.entry.Tag == dwarf.TagVariantPart {
			if variantPart != nil {
				return nil, fmt.Errorf("%w: %s has multiple variant parts", ErrUnsupportedEncoding, full)
			}
			variantPart = kid
		}
	}
	if variantPart == nil {
		return nil, fmt.Errorf("%w: %s has no variant part", ErrUnsupportedEncoding, full)
	}

	discrRef, ok := variantPart.val(dwarf.AttrDiscr).(dwarf.Offset)
	if !ok {
		return nil, fmt.Errorf("%w: %s variant part has no discriminant", ErrUnsupportedEncoding, full)
	}
	var discr Field
	found := false
	for _, kid := range variantPart.kids {
		if kid.entry.Tag != dwarf.TagMember || kid.entry.Offset != discrRef {
			continue
		}
		if n := kid.name(); n != "" && n != "__state" {
			return nil, fmt.Errorf("%w: %s discriminant member is %q, want __state", ErrUnsupportedEncoding, full, n)
		}
		f, err := b.memberField(kid)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnsupportedEncoding, full, err)
		}
		discr = f
		found = true
	}
	if !found {
		return nil, fmt.Errorf("%w: %s discriminant member not found", ErrUnsupportedEncoding, full)
	}

	a := &AsyncFn{
		Name:  full,
		Size:  uint64(size),
		Discr: discr,
	}

	memberID := make(map[string]int)
	for _, kid := range variantPart.kids {
		if kid.entry.Tag != dwarf.TagVariant {
			continue
		}
		point, err := b.parseVariant(kid, a, memberID)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnsupportedEncoding, full, err)
		}
		a.Points = append(a.Points, point)
	}

	sortMembersByOffset(a)
	if err := a.validate(); err != nil {
		return nil, err
	}
	return a, nil
}

func (b *builder) parseVariant(v *node, a *AsyncFn, memberID map[string]int) (SuspensionPoint, error) {
	dv, ok := v.val(dwarf.AttrDiscrValue).(int64)
	if !ok {
		return SuspensionPoint{}, fmt.Errorf("variant without discriminant value")
	}
	point := SuspensionPoint{Discriminant: uint64(dv)}

	var payload *node
	for _, kid := range v.kids {
		if kid.entry.Tag == dwarf.TagMember {
			payload = kid
			break
		}
	}
	if payload == nil {
		return SuspensionPoint{}, fmt.Errorf("variant %d has no payload member", dv)
	}
	point.StateName = payload.name()
	if line, ok := payload.val(dwarf.AttrDeclLine).(int64); ok {
		point.DeclLine = line
	}

	base, _ := payload.val(dwarf.AttrDataMemberLoc).(int64)
	if base < 0 {
		return SuspensionPoint{}, fmt.Errorf("variant %d payload has negative offset %d", dv, base)
	}
	typeOff, ok := payload.val(dwarf.AttrType).(dwarf.Offset)
	if !ok {
		return SuspensionPoint{}, fmt.Errorf("variant %d payload has no type", dv)
	}
	payloadType, err := b.d.Type(typeOff)
	if err != nil {
		return SuspensionPoint{}, fmt.Errorf("variant %d payload type: %v", dv, err)
	}
	st, ok := payloadType.(*dwarf.StructType)
	if !ok {
		return SuspensionPoint{}, fmt.Errorf("variant %d payload is not a struct", dv)
	}
	if point.StateName == "" {
		point.StateName = st.StructName
	}

	for _, f := range st.Field {
		fieldSize := f.Type.Size()
		if fieldSize < 0 {
			return SuspensionPoint{}, fmt.Errorf("field %s has unknown size", f.Name)
		}
		if f.ByteOffset < 0 {
			return SuspensionPoint{}, fmt.Errorf("field %s has negative offset %d", f.Name, f.ByteOffset)
		}
		offset := uint64(base + f.ByteOffset)
		typeName := b.typeNameOf(f.Type)
		if f.Name == "__awaitee" {
			if point.Awaitee != nil {
				return SuspensionPoint{}, fmt.Errorf("variant %d has multiple awaitees", dv)
			}
			point.Awaitee = &Child{Type: typeName, Offset: offset, Size: uint64(fieldSize)}
			continue
		}
		if fieldSize == 0 {
			continue
		}
		b.registerLeaf(f.Type)
		m := Member{
			FieldName: f.Name,
			Type:      typeName,
			Field:     Field{Offset: offset, Size: uint64(fieldSize)},
		}
		key := fmt.Sprintf("%s\x00%s\x00%d\x00%d", m.FieldName, m.Type, m.Offset, m.Size)
		id, seen := memberID[key]
		if !seen {
			id = len(a.Members)
			memberID[key] = id
			a.Members = append(a.Members, m)
		}
		// The compiler sometimes emits the same field twice.
		dup := false
		for _, existing := range point.ActiveMembers {
			if existing == id {
				dup = true
			}
		}
		if !dup {
			point.ActiveMembers = append(point.ActiveMembers, id)
		}
	}
	return point, nil
}

// sortMembersByOffset orders the member table from smallest to biggest
// offset while keeping every suspension point's index references intact.
func sortMembersByOffset(a *AsyncFn) {
	order := make([]int, len(a.Members))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return a.Members[order[i]].Offset < a.Members[order[j]].Offset
	})
	remap := make([]int, len(order))
	sorted := make([]Member, len(order))
	for newID, oldID := range order {
		sorted[newID] = a.Members[oldID]
		remap[oldID] = newID
	}
	a.Members = sorted
	for pi := range a.Points {
		members := a.Points[pi].ActiveMembers
		for i, oldID := range members {
			members[i] = remap[oldID]
		}
		sort.Ints(members)
	}
}

// parseFan decodes the join/select combinators of the target async runtime.
// Returns nil when the struct is not one of the known combinator shapes.
func (b *builder) parseFan(si *structInfo, mode FanMode) (*Fan, error) {
	name := si.node.name()

	array := strings.HasPrefix(name, "JoinArray") || strings.HasPrefix(name, "SelectArray")
	fixed := false
	for _, prefix := range []string{"Join<", "Join3<", "Join4<", "Select<", "Select3<", "Select4<"} {
		if strings.HasPrefix(name, prefix) {
			fixed = true
		}
	}
	if !array && !fixed {
		return nil, nil
	}

	size, ok := si.node.val(dwarf.AttrByteSize).(int64)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no size", ErrUnsupportedEncoding, si.full)
	}
	f := &Fan{Name: si.full, Size: uint64(size), Mode: mode}

	if array {
		slots, err := b.parseFanArray(si, mode)
		if err != nil {
			return nil, err
		}
		f.Slots = slots
		return f, nil
	}

	for _, kid := range si.node.kids {
		if kid.entry.Tag != dwarf.TagMember {
			continue
		}
		offset, _ := kid.val(dwarf.AttrDataMemberLoc).(int64)
		if offset < 0 {
			return nil, fmt.Errorf("%w: %s slot has negative offset %d", ErrMalformed, si.full, offset)
		}
		typeOff, ok := kid.val(dwarf.AttrType).(dwarf.Offset)
		if !ok {
			return nil, fmt.Errorf("%w: %s slot has no type", ErrUnsupportedEncoding, si.full)
		}
		slot, err := b.parseFanSlot(si.full, uint64(offset), typeOff, mode)
		if err != nil {
			return nil, err
		}
		f.Slots = append(f.Slots, slot)
	}
	sort.Slice(f.Slots, func(i, j int) bool { return f.Slots[i].Offset < f.Slots[j].Offset })
	return f, nil
}

func (b *builder) parseFanArray(si *structInfo, mode FanMode) ([]FanSlot, error) {
	var inner *node
	for _, kid := range si.node.kids {
		if kid.entry.Tag == dwarf.TagMember {
			if inner != nil {
				return nil, fmt.Errorf("%w: %s should have a single field", ErrUnsupportedEncoding, si.full)
			}
			inner = kid
		}
	}
	if inner == nil {
		return nil, fmt.Errorf("%w: %s has no fields", ErrUnsupportedEncoding, si.full)
	}
	typeOff, ok := inner.val(dwarf.AttrType).(dwarf.Offset)
	if !ok {
		return nil, fmt.Errorf("%w: %s field has no type", ErrUnsupportedEncoding, si.full)
	}
	t, err := b.d.Type(typeOff)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, si.full, err)
	}
	at, ok := t.(*dwarf.ArrayType)
	if !ok || at.Count < 0 {
		return nil, fmt.Errorf("%w: %s inner field is not a counted array", ErrUnsupportedEncoding, si.full)
	}
	elemSize := at.Type.Size()
	if elemSize <= 0 {
		return nil, fmt.Errorf("%w: %s has unsized elements", ErrUnsupportedEncoding, si.full)
	}
	elemOff := b.typeOffsetOf(at.Type)

	slots := make([]FanSlot, 0, at.Count)
	for i := int64(0); i < at.Count; i++ {
		slot, err := b.parseFanSlot(si.full, uint64(i*elemSize), elemOff, mode)
		if err != nil {
			return nil, err
		}
		slots = append(slots, slot)
	}
	return slots, nil
}

// parseFanSlot builds one child slot. WaitAll slots are two-armed
// pending/ready enums carrying the per-slot readiness discriminant;
// WaitFirst slots are bare futures and always decode as pending.
func (b *builder) parseFanSlot(parent string, offset uint64, typeOff dwarf.Offset, mode FanMode) (FanSlot, error) {
	t, err := b.d.Type(typeOff)
	if err != nil {
		return FanSlot{}, fmt.Errorf("%w: %s: %v", ErrMalformed, parent, err)
	}
	size := t.Size()
	if size < 0 {
		return FanSlot{}, fmt.Errorf("%w: %s slot has unknown size", ErrUnsupportedEncoding, parent)
	}
	slot := FanSlot{Offset: offset, Size: uint64(size)}

	if mode == WaitFirst {
		slot.Pending = Child{Type: b.nameForOffset(typeOff, t), Offset: 0, Size: uint64(size)}
		return slot, nil
	}

	si, ok := b.structs[typeOff]
	if !ok {
		return FanSlot{}, fmt.Errorf("%w: %s slot enum is not a known struct", ErrUnsupportedEncoding, parent)
	}
	flag, pending, result, err := b.parseSlotEnum(si)
	if err != nil {
		return FanSlot{}, fmt.Errorf("%w: %s: %v", ErrUnsupportedEncoding, parent, err)
	}
	slot.Flag = flag
	slot.Pending = pending
	slot.Result = result
	return slot, nil
}

// parseSlotEnum decodes the pending/ready enum of one WaitAll slot: a
// variant part whose Future variant holds the nested future and whose Done
// variant holds the finished result. The third variant, marking a result
// that was already taken, carries no payload and is ignored.
func (b *builder) parseSlotEnum(si *structInfo) (*ReadyFlag, Child, *Child, error) {
	var variantPart *node
	for _, kid := range si.node.kids {
		if kid.entry.Tag == dwarf.TagVariantPart {
			variantPart = kid
			break
		}
	}
	if variantPart == nil {
		return nil, Child{}, nil, fmt.Errorf("slot enum %s has no variant part", si.full)
	}

	discrRef, ok := variantPart.val(dwarf.AttrDiscr).(dwarf.Offset)
	if !ok {
		return nil, Child{}, nil, fmt.Errorf("slot enum %s has no discriminant", si.full)
	}
	var flag ReadyFlag
	found := false
	for _, kid := range variantPart.kids {
		if kid.entry.Tag == dwarf.TagMember && kid.entry.Offset == discrRef {
			f, err := b.memberField(kid)
			if err != nil {
				return nil, Child{}, nil, fmt.Errorf("slot enum %s: %v", si.full, err)
			}
			flag.Field = f
			found = true
		}
	}
	if !found {
		return nil, Child{}, nil, fmt.Errorf("slot enum %s discriminant member not found", si.full)
	}

	var pending, result *Child
	for _, kid := range variantPart.kids {
		if kid.entry.Tag != dwarf.TagVariant {
			continue
		}
		dv, ok := kid.val(dwarf.AttrDiscrValue).(int64)
		if !ok {
			continue
		}
		var payload *node
		for _, m := range kid.kids {
			if m.entry.Tag == dwarf.TagMember {
				payload = m
				break
			}
		}
		if payload == nil {
			continue
		}
		switch payload.name() {
		case "Future":
			c, err := b.memberChild(payload)
			if err != nil {
				return nil, Child{}, nil, fmt.Errorf("slot enum %s: %v", si.full, err)
			}
			pending = &c
			flag.PendingValue = uint64(dv)
		case "Done":
			c, err := b.memberChild(payload)
			if err != nil {
				return nil, Child{}, nil, fmt.Errorf("slot enum %s: %v", si.full, err)
			}
			result = &c
			flag.ReadyValue = uint64(dv)
		}
	}
	if pending == nil || result == nil {
		return nil, Child{}, nil, fmt.Errorf("slot enum %s is missing its pending or ready arm", si.full)
	}
	return &flag, *pending, result, nil
}

// memberField resolves a member DIE into an offset/size pair.
func (b *builder) memberField(m *node) (Field, error) {
	offset, _ := m.val(dwarf.AttrDataMemberLoc).(int64)
	if offset < 0 {
		return Field{}, fmt.Errorf("%w: member %s has negative offset %d", ErrMalformed, m.name(), offset)
	}
	typeOff, ok := m.val(dwarf.AttrType).(dwarf.Offset)
	if !ok {
		return Field{}, fmt.Errorf("member %s has no type", m.name())
	}
	t, err := b.d.Type(typeOff)
	if err != nil {
		return Field{}, err
	}
	size := t.Size()
	if size < 0 {
		return Field{}, fmt.Errorf("member %s has unknown size", m.name())
	}
	return Field{Offset: uint64(offset), Size: uint64(size)}, nil
}

// memberChild resolves a member DIE into a child layout reference,
// registering leaves for primitive types along the way.
func (b *builder) memberChild(m *node) (Child, error) {
	f, err := b.memberField(m)
	if err != nil {
		return Child{}, err
	}
	typeOff := m.val(dwarf.AttrType).(dwarf.Offset)
	t, err := b.d.Type(typeOff)
	if err != nil {
		return Child{}, err
	}
	b.registerLeaf(t)
	return Child{Type: b.nameForOffset(typeOff, t), Offset: f.Offset, Size: f.Size}, nil
}

// nameForOffset prefers the namespace-qualified name recorded during the
// walk; the debug/dwarf type parser only knows bare struct names.
func (b *builder) nameForOffset(off dwarf.Offset, t dwarf.Type) string {
	if si, ok := b.structs[off]; ok {
		return si.full
	}
	return b.typeNameOf(t)
}

func (b *builder) typeOffsetOf(t dwarf.Type) dwarf.Offset {
	switch tt := t.(type) {
	case *dwarf.StructType:
		for off, si := range b.structs {
			if si.node.name() == tt.StructName && si.node.val(dwarf.AttrByteSize) == tt.ByteSize {
				return off
			}
		}
	case *dwarf.TypedefType:
		return b.typeOffsetOf(tt.Type)
	}
	return 0
}

func (b *builder) typeNameOf(t dwarf.Type) string {
	switch tt := t.(type) {
	case *dwarf.StructType:
		if off := b.typeOffsetOf(t); off != 0 {
			if si, ok := b.structs[off]; ok {
				return si.full
			}
		}
		return tt.StructName
	case *dwarf.TypedefType:
		return tt.Name
	case *dwarf.PtrType:
		return "*" + b.typeNameOf(tt.Type)
	default:
		return t.String()
	}
}

// registerLeaf records a primitive type so the decoder can format its bytes.
func (b *builder) registerLeaf(t dwarf.Type) {
	name := b.typeNameOf(t)
	if _, ok := b.leafByName[name]; ok {
		return
	}
	if _, ok := b.futures[name]; ok {
		return
	}
	size := t.Size()
	if size < 0 {
		return
	}
	// Classify through typedefs so an alias formats like its base type.
	base := t
	for {
		td, ok := base.(*dwarf.TypedefType)
		if !ok {
			break
		}
		base = td.Type
	}
	repr := ReprOpaque
	switch base.(type) {
	case *dwarf.UintType, *dwarf.UcharType:
		repr = ReprUnsigned
	case *dwarf.IntType, *dwarf.CharType:
		repr = ReprSigned
	case *dwarf.BoolType:
		repr = ReprBool
	case *dwarf.PtrType:
		repr = ReprPointer
	}
	leaf := &Leaf{Name: name, Size: uint64(size), Repr: repr}
	b.leafByName[name] = leaf
	b.futures[name] = leaf
}

// parseTaskHeader extracts the scheduler header state field shared by every
// task slot. A zero state means the slot was never spawned.
func (b *builder) parseTaskHeader(si *structInfo) error {
	for _, kid := range si.node.kids {
		if kid.entry.Tag != dwarf.TagMember || kid.name() != "state" {
			continue
		}
		f, err := b.memberField(kid)
		if err != nil {
			return fmt.Errorf("%w: task header: %v", ErrMalformed, err)
		}
		if f.Size != 1 && f.Size != 4 {
			return fmt.Errorf("%w: task header state is %d bytes", ErrUnsupportedEncoding, f.Size)
		}
		b.occupancy = f
		b.hasOccupancy = true
		return nil
	}
	return fmt.Errorf("%w: task header has no state field", ErrMalformed)
}

// buildPools finds every spawn pool symbol and binds it to the async fn
// layout of the task it was generated for.
func (b *builder) buildPools() error {
	for _, v := range b.vars {
		pool, err := b.parsePoolVar(v)
		if err != nil {
			return err
		}
		if pool != nil {
			b.pools = append(b.pools, *pool)
		}
	}
	if len(b.pools) == 0 {
		return fmt.Errorf("%w: no task pools found", ErrMissingSymbol)
	}
	// Biggest task type first, matching the order the symbols matter to
	// someone debugging a stuck target.
	sort.SliceStable(b.pools, func(i, j int) bool {
		li, _ := b.futures[b.pools[i].Task].(*AsyncFn)
		lj, _ := b.futures[b.pools[j].Task].(*AsyncFn)
		switch {
		case li == nil:
			return false
		case lj == nil:
			return true
		default:
			return li.Size > lj.Size
		}
	})
	return nil
}

// parsePoolVar matches the POOL static the task macro generates. The macro
// wraps it in a holder type and a namespace named after the task function,
// so the variable's namespace path ends in the original task name.
func (b *builder) parsePoolVar(v varInfo) (*TaskPool, error) {
	if v.name != "POOL" || len(v.ns) == 0 {
		return nil, nil
	}
	holder, ok := b.structs[v.typeOff]
	if !ok || !strings.HasPrefix(holder.node.name(), "TaskPoolHolder") {
		return nil, nil
	}
	if !v.hasAddr {
		return nil, fmt.Errorf("%w: pool %s has no address", ErrMissingSymbol, joinPath(v.ns, ""))
	}
	if !b.hasOccupancy {
		return nil, fmt.Errorf("%w: task header not found in debug metadata", ErrMissingSymbol)
	}

	path := joinPath(v.ns, "")
	taskName := joinPath(v.ns[:len(v.ns)-1], "") + "::__" + v.ns[len(v.ns)-1] + "_task"

	size, ok := holder.node.val(dwarf.AttrByteSize).(int64)
	if !ok || size <= 0 {
		return nil, fmt.Errorf("%w: pool %s has no size", ErrMalformed, path)
	}

	count, futureOffset, err := b.poolShape(taskName)
	if err != nil {
		return nil, err
	}

	task := ""
	for name, l := range b.futures {
		if _, ok := l.(*AsyncFn); ok && strings.HasPrefix(name, taskName) {
			task = name
			break
		}
	}
	if task == "" {
		return nil, fmt.Errorf("%w: no state machine type for task %s", ErrMissingSymbol, taskName)
	}

	return &TaskPool{
		Path:         path,
		Address:      v.addr,
		Size:         uint64(size),
		SlotCount:    count,
		SlotStride:   uint64(size) / uint64(count),
		Occupancy:    b.occupancy,
		FutureOffset: futureOffset,
		Task:         task,
	}, nil
}

// poolShape reads the slot count and the future offset within a slot from
// the pool's generated array type.
func (b *builder) poolShape(taskName string) (int, uint64, error) {
	prefix := "TaskPool<" + taskName
	for _, si := range b.structs {
		if !strings.HasPrefix(si.node.name(), prefix) {
			continue
		}
		var member *node
		for _, kid := range si.node.kids {
			if kid.entry.Tag == dwarf.TagMember {
				if member != nil {
					return 0, 0, fmt.Errorf("%w: pool type %s should have a single field", ErrUnsupportedEncoding, si.full)
				}
				member = kid
			}
		}
		if member == nil {
			return 0, 0, fmt.Errorf("%w: pool type %s has no fields", ErrUnsupportedEncoding, si.full)
		}
		typeOff, ok := member.val(dwarf.AttrType).(dwarf.Offset)
		if !ok {
			return 0, 0, fmt.Errorf("%w: pool type %s field has no type", ErrUnsupportedEncoding, si.full)
		}
		t, err := b.d.Type(typeOff)
		if err != nil {
			return 0, 0, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		at, ok := t.(*dwarf.ArrayType)
		if !ok || at.Count <= 0 {
			return 0, 0, fmt.Errorf("%w: pool type %s is not a counted array", ErrUnsupportedEncoding, si.full)
		}
		st, ok := at.Type.(*dwarf.StructType)
		if !ok {
			return 0, 0, fmt.Errorf("%w: pool type %s slots are not structs", ErrUnsupportedEncoding, si.full)
		}
		for _, f := range st.Field {
			if f.Name == "future" {
				return int(at.Count), uint64(f.ByteOffset), nil
			}
		}
		return 0, 0, fmt.Errorf("%w: pool slot type %s has no future field", ErrUnsupportedEncoding, st.StructName)
	}
	return 0, 0, fmt.Errorf("%w: pool type for task %s not found", ErrMissingSymbol, taskName)
}

// pollReturnAddresses resolves the breakpoint target: the return point of
// the shared poll-dispatch routine. There can be more than one address when
// the routine was inlined into multiple executors.
func (b *builder) pollReturnAddresses() []uint64 {
	var pollFn *fnInfo
	for i := range b.fns {
		fn := &b.fns[i]
		if !strings.Contains(fn.name, "{closure") {
			continue
		}
		if !strings.Contains(fn.linkage, "SyncExecutor") {
			continue
		}
		if !strings.HasPrefix(fn.path, "embassy_executor::raw") || !strings.Contains(fn.path, "poll") {
			continue
		}
		if fn.hasPC {
			return []uint64{fn.highPC - pollReturnInstructionSize}
		}
		if fn.inline {
			pollFn = fn
			break
		}
	}
	if pollFn == nil {
		return nil
	}

	// The routine got inlined; collect every place it ended up.
	var addrs []uint64
	for _, inl := range b.inlined {
		if inl.origin == pollFn.offset && inl.hasPC {
			addrs = append(addrs, inl.highPC-pollReturnInstructionSize)
		}
	}
	if len(addrs) == 0 {
		log.Printf("poll-dispatch routine %s is inlined but no call sites were found", pollFn.path)
	}
	return addrs
}
