package opstore

import "fmt"

// Kind discriminates operations.
type Kind uint8

const (
	KindNone Kind = iota
	// KindType defines a shared type instance; its ID is the type's ID.
	KindType
	// KindInsert sets the content of a key of a parent type.
	KindInsert
	// KindDelete tombstones an earlier insert.
	KindDelete
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindType:
		return "type"
	case KindInsert:
		return "insert"
	case KindDelete:
		return "delete"
	default:
		return fmt.Sprintf("invalid kind %d", int(k))
	}
}

// Operation is the unit of replication. Left and Deleted are maintained by
// the store's conflict ordering and are never part of the persisted body.
type Operation struct {
	ID   ID   `msgpack:"id"`
	Kind Kind `msgpack:"k"`

	// KindType
	TypeName string `msgpack:"tn,omitempty"`

	// KindInsert
	Parent    ID          `msgpack:"p"`
	ParentSub string      `msgpack:"ps,omitempty"`
	Content   interface{} `msgpack:"v"`
	OpContent *ID         `msgpack:"oc,omitempty"`
	Right     *ID         `msgpack:"rt,omitempty"`
	Left      *ID         `msgpack:"-"`
	Deleted   bool        `msgpack:"-"`

	// KindDelete
	Target ID `msgpack:"t"`
	// Key is the target's ParentSub, filled in by the consumer when the
	// delete is processed.
	Key string `msgpack:"-"`
}

// IsReference indicates an insert carries a nested type rather than a
// primitive.
func (op *Operation) IsReference() bool {
	return op.OpContent != nil
}

// Clone returns a shallow copy that is safe to hand out: pointer fields are
// copied so that store-side mutation of Left is not observed.
func (op *Operation) Clone() *Operation {
	c := *op
	if op.OpContent != nil {
		c.OpContent = idPtr(*op.OpContent)
	}
	if op.Right != nil {
		c.Right = idPtr(*op.Right)
	}
	if op.Left != nil {
		c.Left = idPtr(*op.Left)
	}
	return &c
}

// dependencies lists the IDs that must be integrated before op can be.
func (op *Operation) dependencies() []ID {
	switch op.Kind {
	case KindInsert:
		deps := []ID{op.Parent}
		if op.Right != nil {
			deps = append(deps, *op.Right)
		}
		if op.OpContent != nil {
			deps = append(deps, *op.OpContent)
		}
		return deps
	case KindDelete:
		return []ID{op.Target}
	}
	return nil
}

func (op *Operation) String() string {
	switch op.Kind {
	case KindType:
		return fmt.Sprintf("%s type %s", op.ID, op.TypeName)
	case KindInsert:
		if op.OpContent != nil {
			return fmt.Sprintf("%s insert %s[%q]=ref(%s)", op.ID, op.Parent, op.ParentSub, *op.OpContent)
		}
		return fmt.Sprintf("%s insert %s[%q]=%v", op.ID, op.Parent, op.ParentSub, op.Content)
	case KindDelete:
		return fmt.Sprintf("%s delete %s", op.ID, op.Target)
	}
	return fmt.Sprintf("%s %s", op.ID, op.Kind)
}
