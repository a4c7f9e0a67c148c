package bootentry

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/spinstage/spinstage/pkg/errors"
	"github.com/spinstage/spinstage/pkg/firmware"
)

const (
	// BootManagerSuffix identifies the platform boot manager entry.
	BootManagerSuffix = "Boot Manager"

	// DefaultSlotLimit bounds the BootXXXX slots that are scanned.
	DefaultSlotLimit = 50

	bootOrderVar = "BootOrder"
	bootNextVar  = "BootNext"
)

// Target is where a new entry points: a loader on a GPT partition.
type Target struct {
	Description     string    `json:"description"`
	LoaderPath      string    `json:"loader_path"`
	PartitionNumber uint32    `json:"partition_number"`
	StartLBA        uint64    `json:"start_lba"`
	SizeLBA         uint64    `json:"size_lba"`
	PartitionGUID   uuid.UUID `json:"partition_guid"`
}

// Duplicate clones src for target. Attributes and every device path node
// other than the hard drive and file path nodes are kept; the description is
// replaced and optional data is dropped.
func Duplicate(src *LoadOption, target Target) (*LoadOption, error) {
	hd, ok := src.HardDrive()
	if !ok {
		return nil, fmt.Errorf("source entry %q has no hard drive node", src.Description)
	}
	hd.PartitionNumber = target.PartitionNumber
	hd.PartitionStart = target.StartLBA
	hd.PartitionSize = target.SizeLBA
	hd.Signature = target.PartitionGUID
	hd.MBRType = MBRTypeGPT
	hd.SignatureType = SignatureTypeGUID

	loader := Node{Type: TypeMedia, SubType: SubTypeFilePath, Data: encodeUTF16Z(target.LoaderPath)}

	dst := &LoadOption{Attributes: src.Attributes, Description: target.Description}
	sawPath := false
	for _, n := range src.FilePath {
		switch {
		case n.Type == TypeMedia && n.SubType == SubTypeHardDrive:
			dst.FilePath = append(dst.FilePath, Node{Type: n.Type, SubType: n.SubType, Data: hd.encode()})
			if !hasFilePath(src) {
				dst.FilePath = append(dst.FilePath, loader)
				sawPath = true
			}
		case n.Type == TypeMedia && n.SubType == SubTypeFilePath:
			if !sawPath {
				dst.FilePath = append(dst.FilePath, loader)
				sawPath = true
			}
		default:
			dst.FilePath = append(dst.FilePath, Node{Type: n.Type, SubType: n.SubType, Data: append([]byte(nil), n.Data...)})
		}
	}
	if len(dst.FilePath) == 0 || dst.FilePath[len(dst.FilePath)-1].Type != TypeEnd {
		dst.FilePath = append(dst.FilePath, Node{Type: TypeEnd, SubType: SubTypeEndEntire})
	}
	return dst, nil
}

func hasFilePath(o *LoadOption) bool {
	for _, n := range o.FilePath {
		if n.Type == TypeMedia && n.SubType == SubTypeFilePath {
			return true
		}
	}
	return false
}

// VarName is the firmware variable holding slot.
func VarName(slot uint16) string {
	return fmt.Sprintf("Boot%04X", slot)
}

type slotEntry struct {
	slot uint16
	opt  *LoadOption
}

func scan(store firmware.Store, limit int) (entries []slotEntry, free int, err error) {
	free = -1
	for i := 0; i < limit; i++ {
		data, err := store.Read(VarName(uint16(i)))
		if errors.Is(err, firmware.ErrNotFound) {
			if free < 0 {
				free = i
			}
			continue
		}
		if err != nil {
			return nil, 0, err
		}
		opt, err := ParseLoadOption(data)
		if err != nil {
			slog.Warn("boot_entry_unparsable", "slot", VarName(uint16(i)), "error", err)
			continue
		}
		entries = append(entries, slotEntry{slot: uint16(i), opt: opt})
	}
	return entries, free, nil
}

// Register clones the platform boot manager entry for target, stores it in
// the first free slot and makes it the next boot target. With permanent set
// the entry is prepended to BootOrder instead of being set as BootNext.
//
// It must run inside a firmware session.
func Register(store firmware.Store, target Target, permanent bool, limit int) (uint16, error) {
	if limit <= 0 {
		limit = DefaultSlotLimit
	}
	entries, free, err := scan(store, limit)
	if err != nil {
		return 0, errors.Wrap(err, "failed to read boot entries")
	}

	var src *LoadOption
	for _, e := range entries {
		if strings.HasSuffix(strings.TrimSpace(e.opt.Description), BootManagerSuffix) {
			src = e.opt
			slog.Info("boot_manager_found", "slot", VarName(e.slot), "description", e.opt.Description)
			break
		}
	}
	if src == nil {
		return 0, errors.ErrNoBootManager
	}
	if free < 0 {
		return 0, errors.ErrNoFreeBootSlot
	}

	opt, err := Duplicate(src, target)
	if err != nil {
		return 0, err
	}
	slot := uint16(free)
	if err := store.Write(VarName(slot), opt.Marshal()); err != nil {
		return 0, errors.Wrap(err, "failed to write boot entry")
	}
	slog.Info("boot_entry_written", "slot", VarName(slot), "description", target.Description, "loader", target.LoaderPath)

	if permanent {
		order, err := readOrder(store)
		if err != nil {
			return 0, err
		}
		newOrder := []uint16{slot}
		for _, s := range order {
			if s != slot {
				newOrder = append(newOrder, s)
			}
		}
		if err := store.Write(bootOrderVar, encodeOrder(newOrder)); err != nil {
			return 0, errors.Wrap(err, "failed to write BootOrder")
		}
		slog.Info("boot_order_updated", "first", VarName(slot))
		return slot, nil
	}

	if err := store.Write(bootNextVar, encodeOrder([]uint16{slot})); err != nil {
		return 0, errors.Wrap(err, "failed to write BootNext")
	}
	slog.Info("boot_next_set", "slot", VarName(slot))
	return slot, nil
}

func readOrder(store firmware.Store) ([]uint16, error) {
	data, err := store.Read(bootOrderVar)
	if errors.Is(err, firmware.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read BootOrder")
	}
	return decodeOrder(data), nil
}

func encodeOrder(slots []uint16) []byte {
	b := make([]byte, 2*len(slots))
	for i, s := range slots {
		binary.LittleEndian.PutUint16(b[2*i:], s)
	}
	return b
}

func decodeOrder(b []byte) []uint16 {
	slots := make([]uint16, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		slots = append(slots, binary.LittleEndian.Uint16(b[i:]))
	}
	return slots
}

// Entry is a decoded boot entry for display.
type Entry struct {
	Slot          uint16 `json:"slot"`
	Name          string `json:"name"`
	Description   string `json:"description"`
	Active        bool   `json:"active"`
	LoaderPath    string `json:"loader_path,omitempty"`
	PartitionGUID string `json:"partition_guid,omitempty"`
}

// Listing is the firmware boot configuration.
type Listing struct {
	Entries   []Entry  `json:"entries"`
	BootOrder []uint16 `json:"boot_order"`
	BootNext  *uint16  `json:"boot_next,omitempty"`
}

// List decodes the entries in the scanned slot range along with BootOrder and
// BootNext. It must run inside a firmware session.
func List(store firmware.Store, limit int) (*Listing, error) {
	if limit <= 0 {
		limit = DefaultSlotLimit
	}
	entries, _, err := scan(store, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read boot entries")
	}

	l := &Listing{Entries: []Entry{}}
	for _, e := range entries {
		entry := Entry{
			Slot:        e.slot,
			Name:        VarName(e.slot),
			Description: e.opt.Description,
			Active:      e.opt.Attributes&LoadOptionActive != 0,
			LoaderPath:  e.opt.LoaderPath(),
		}
		if hd, ok := e.opt.HardDrive(); ok && hd.SignatureType == SignatureTypeGUID {
			entry.PartitionGUID = hd.Signature.String()
		}
		l.Entries = append(l.Entries, entry)
	}

	if l.BootOrder, err = readOrder(store); err != nil {
		return nil, err
	}
	next, err := store.Read(bootNextVar)
	switch {
	case errors.Is(err, firmware.ErrNotFound):
	case err != nil:
		return nil, errors.Wrap(err, "failed to read BootNext")
	case len(next) >= 2:
		n := binary.LittleEndian.Uint16(next)
		l.BootNext = &n
	}
	return l, nil
}
