// Package protocodec encodes operations as protobuf Struct messages, for
// peers that exchange operations with non-Go replicas. Numeric content
// decodes as float64, as with any JSON-shaped protobuf value.
package protocodec

import (
	"fmt"

	"github.com/jrhy/sharedmap/opstore"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Marshal can be used as opstore.Config.Marshal.
func Marshal(op *opstore.Operation) ([]byte, error) {
	fields := map[string]interface{}{
		"id":   op.ID.String(),
		"kind": int64(op.Kind),
	}
	switch op.Kind {
	case opstore.KindType:
		fields["typeName"] = op.TypeName
	case opstore.KindInsert:
		fields["parent"] = op.Parent.String()
		fields["parentSub"] = op.ParentSub
		fields["content"] = op.Content
		if op.OpContent != nil {
			fields["opContent"] = op.OpContent.String()
		}
		if op.Right != nil {
			fields["right"] = op.Right.String()
		}
	case opstore.KindDelete:
		fields["target"] = op.Target.String()
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("struct for %s: %w", op.ID, err)
	}
	return proto.Marshal(st)
}

// Unmarshal can be used as opstore.Config.Unmarshal.
func Unmarshal(b []byte, op *opstore.Operation) error {
	var st structpb.Struct
	if err := proto.Unmarshal(b, &st); err != nil {
		return fmt.Errorf("unmarshal proto: %w", err)
	}
	fields := st.AsMap()
	var err error
	if op.ID, err = idField(fields, "id"); err != nil {
		return err
	}
	kind, ok := fields["kind"].(float64)
	if !ok {
		return fmt.Errorf("operation %s: missing kind", op.ID)
	}
	op.Kind = opstore.Kind(kind)
	switch op.Kind {
	case opstore.KindType:
		op.TypeName, _ = fields["typeName"].(string)
	case opstore.KindInsert:
		if op.Parent, err = idField(fields, "parent"); err != nil {
			return err
		}
		op.ParentSub, _ = fields["parentSub"].(string)
		op.Content = fields["content"]
		if op.OpContent, err = optionalIDField(fields, "opContent"); err != nil {
			return err
		}
		if op.Right, err = optionalIDField(fields, "right"); err != nil {
			return err
		}
	case opstore.KindDelete:
		if op.Target, err = idField(fields, "target"); err != nil {
			return err
		}
	}
	return nil
}

func idField(fields map[string]interface{}, name string) (opstore.ID, error) {
	s, ok := fields[name].(string)
	if !ok {
		return opstore.ID{}, fmt.Errorf("missing %s", name)
	}
	id, err := opstore.ParseID(s)
	if err != nil {
		return opstore.ID{}, fmt.Errorf("%s: %w", name, err)
	}
	return id, nil
}

func optionalIDField(fields map[string]interface{}, name string) (*opstore.ID, error) {
	if _, ok := fields[name]; !ok {
		return nil, nil
	}
	id, err := idField(fields, name)
	if err != nil {
		return nil, err
	}
	return &id, nil
}
