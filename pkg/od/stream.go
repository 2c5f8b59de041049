package od

import (
	"sync"
)

// A Stream object is used for streaming data from / to an OD entry.
// It is meant to be used inside of a [StreamReader] or [StreamWriter]
// function and provides low level access for defining custom behaviour
// when reading or writing an OD entry.
type Stream struct {
	// Mutex of the underlying variable, synchronizes OD access
	mu *sync.RWMutex
	// The actual corresponding data stored inside of OD
	Data []byte
	// Keeps track of how much has been written or read.
	// Used for long running transfers, i.e. segmented & block SDO.
	DataOffset uint32
	// The actual length of the data inside of the OD. This can differ
	// from len(Data) for variable size values like strings.
	DataLength uint32
	// A custom object available to extension readers/writers,
	// see [Entry.AddExtension]
	Object any
	// The OD attribute bits of the entry, e.g. AttributeSdoR
	Attribute uint8
	// The subindex of this OD entry. For a VAR type this is always 0.
	Subindex uint8
}

// A StreamReader reads from a [Stream] object into read
// and updates countRead with the number of bytes read.
type StreamReader func(stream *Stream, read []byte, countRead *uint16) error

// A StreamWriter writes toWrite into a [Stream] object
// and updates countWritten.
type StreamWriter func(stream *Stream, toWrite []byte, countWritten *uint16) error

// extension objects replace the default read/write behaviour of an entry.
// The communication area entries (PDO parameters, SYNC, heartbeat time)
// use these to validate and apply configuration on write.
type extension struct {
	object any
	read   StreamReader
	write  StreamWriter
}

// Streamer is created to access an OD entry at a given subindex.
// It carries a [Stream] together with the configured reader and writer
// and implements io.Reader & io.Writer.
type Streamer struct {
	Stream
	reader   StreamReader
	writer   StreamWriter
	entry    *Entry
	variable *Variable
	origin   bool
}

// Implements io.Reader
func (s *Streamer) Read(b []byte) (n int, err error) {
	countRead := uint16(0)
	err = s.reader(&s.Stream, b, &countRead)
	return int(countRead), err
}

// Implements io.Writer
func (s *Streamer) Write(b []byte) (n int, err error) {
	// Value range constraint is validated before any mutation
	if s.variable != nil && s.DataOffset == 0 && uint32(len(b)) >= s.DataLength {
		if odr := s.variable.checkLimits(b[:s.DataLength]); odr != ErrNo {
			return 0, odr
		}
	}
	countWritten := uint16(0)
	err = s.writer(&s.Stream, b, &countWritten)
	// Origin writes bypass the update listeners as well
	if err == nil && s.entry != nil && !s.origin {
		s.entry.notifyUpdated(s.Subindex)
	}
	return int(countWritten), err
}

func (s *Streamer) Reader() StreamReader { return s.reader }
func (s *Streamer) Writer() StreamWriter { return s.writer }

func (s *Streamer) SetReader(reader StreamReader) { s.reader = reader }
func (s *Streamer) SetWriter(writer StreamWriter) { s.writer = writer }

// Returns true if the entry has the given OD attribute bit(s)
func (s *Streamer) HasAttribute(attribute uint8) bool {
	return (s.Attribute & attribute) != 0
}

func (s *Streamer) SetStream(stream Stream) {
	s.Stream = stream
}

func (s *Streamer) ResetData(size uint32, offset uint32) {
	s.Data = make([]byte, size)
	s.DataOffset = offset
}

// NewStreamer creates an object streamer for a given od entry + subindex.
// origin can be set to true in order to bypass any existing extension.
func NewStreamer(entry *Entry, subIndex uint8, origin bool) (*Streamer, error) {
	if entry == nil || entry.object == nil {
		return nil, ErrIdxNotExist
	}
	streamer := &Streamer{entry: entry, origin: origin}
	var variable *Variable

	switch object := entry.object.(type) {
	case *Variable:
		if subIndex > 0 {
			return nil, ErrSubNotExist
		}
		variable = object
	case *VariableList:
		v, err := object.GetSubObject(subIndex)
		if err != nil {
			return nil, err
		}
		variable = v
	default:
		return nil, ErrDevIncompat
	}

	streamer.variable = variable
	streamer.Attribute = variable.Attribute
	streamer.Data = variable.value
	streamer.DataLength = variable.DataLength()
	streamer.Subindex = subIndex
	streamer.mu = &variable.mu

	if entry.extension == nil || origin {
		streamer.reader = ReadEntryDefault
		streamer.writer = WriteEntryDefault
		return streamer, nil
	}
	if entry.extension.read == nil {
		streamer.reader = ReadEntryDisabled
	} else {
		streamer.reader = entry.extension.read
	}
	if entry.extension.write == nil {
		streamer.writer = WriteEntryDisabled
	} else {
		streamer.writer = entry.extension.write
	}
	streamer.Object = entry.extension.object
	return streamer, nil
}

// ReadEntryDefault is the default [StreamReader] for every OD entry.
// It copies the stored value into data, in several calls when data is
// smaller than the stored value, in which case ErrPartial is returned.
func ReadEntryDefault(stream *Stream, data []byte, countRead *uint16) error {
	if stream == nil || stream.Data == nil || data == nil || countRead == nil || stream.mu == nil {
		return ErrDevIncompat
	}
	stream.mu.RLock()
	defer stream.mu.RUnlock()

	dataLenToCopy := int(stream.DataLength)
	count := len(data)
	var err error

	// If reading already started or not enough space in buffer, read
	// in several calls
	if stream.DataOffset > 0 || dataLenToCopy > count {
		if stream.DataOffset >= uint32(dataLenToCopy) {
			return ErrDevIncompat
		}
		dataLenToCopy -= int(stream.DataOffset)
		if dataLenToCopy > count {
			// Partial read
			dataLenToCopy = count
			copy(data, stream.Data[stream.DataOffset:stream.DataOffset+uint32(dataLenToCopy)])
			stream.DataOffset += uint32(dataLenToCopy)
			*countRead = uint16(dataLenToCopy)
			return ErrPartial
		}
		copy(data, stream.Data[stream.DataOffset:stream.DataOffset+uint32(dataLenToCopy)])
		stream.DataOffset = 0
		*countRead = uint16(dataLenToCopy)
		return nil
	}
	copy(data, stream.Data[:dataLenToCopy])
	*countRead = uint16(dataLenToCopy)
	return err
}

// WriteEntryDefault is the default [StreamWriter] for every OD entry.
// All length checks happen before any mutation, a failed write never
// leaves a partially updated value.
func WriteEntryDefault(stream *Stream, data []byte, countWritten *uint16) error {
	if stream == nil || stream.Data == nil || data == nil || countWritten == nil || stream.mu == nil {
		return ErrDevIncompat
	}
	stream.mu.Lock()
	defer stream.mu.Unlock()

	dataLenToCopy := int(stream.DataLength)
	count := len(data)
	partial := false

	// If writing already started or provided buffer is smaller than
	// the value, write in several calls
	if stream.DataOffset > 0 || dataLenToCopy > count {
		if stream.DataOffset >= uint32(dataLenToCopy) {
			return ErrDevIncompat
		}
		dataLenToCopy -= int(stream.DataOffset)
		if dataLenToCopy > count {
			partial = true
			dataLenToCopy = count
		}
	}

	// OD variable is smaller than the provided buffer
	if dataLenToCopy < count ||
		stream.DataOffset+uint32(dataLenToCopy) > uint32(len(stream.Data)) {
		return ErrDataLong
	}

	copy(stream.Data[stream.DataOffset:stream.DataOffset+uint32(dataLenToCopy)], data)
	*countWritten = uint16(dataLenToCopy)
	if partial {
		stream.DataOffset += uint32(dataLenToCopy)
		return ErrPartial
	}
	stream.DataOffset = 0
	return nil
}

// ReadEntryDisabled is the [StreamReader] for write only entries
func ReadEntryDisabled(stream *Stream, data []byte, countRead *uint16) error {
	return ErrUnsuppAccess
}

// WriteEntryDisabled is the [StreamWriter] for read only entries
func WriteEntryDisabled(stream *Stream, data []byte, countWritten *uint16) error {
	return ErrUnsuppAccess
}
