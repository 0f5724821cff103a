package catalog

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidKey = errors.New("invalid proxy key")

// Kind is the type of a distributed object.
type Kind uint8

const (
	KindMap Kind = iota + 1
	KindQueue
	KindTopic
	KindSet
	KindList
	KindMultiMap
	KindIDGenerator
	KindLock
)

const (
	prefixMap         = "c:"
	prefixQueue       = "q:"
	prefixTopic       = "t:"
	prefixSet         = "m:s:"
	prefixList        = "m:l:"
	prefixMultiMap    = "m:u:"
	prefixIDGenerator = "i:"
	lockName          = "lock"
)

// keySeparator separates the name from the sub-key in the ledger encoding.
const keySeparator = "\x00"

var kindNames = map[Kind]string{
	KindMap:         "map",
	KindQueue:       "queue",
	KindTopic:       "topic",
	KindSet:         "set",
	KindList:        "list",
	KindMultiMap:    "multimap",
	KindIDGenerator: "id_generator",
	KindLock:        "lock",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}

	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ProxyKey identifies a single distributed object. Name carries the kind
// prefix, Key is the optional sub-key, such as the object a lock is taken
// on. ProxyKey is comparable and is used as a map key directly.
type ProxyKey struct {
	Name string
	Key  string
}

func MapKey(name string) ProxyKey         { return ProxyKey{Name: prefixMap + name} }
func QueueKey(name string) ProxyKey       { return ProxyKey{Name: prefixQueue + name} }
func TopicKey(name string) ProxyKey       { return ProxyKey{Name: prefixTopic + name} }
func SetKey(name string) ProxyKey         { return ProxyKey{Name: prefixSet + name} }
func ListKey(name string) ProxyKey        { return ProxyKey{Name: prefixList + name} }
func MultiMapKey(name string) ProxyKey    { return ProxyKey{Name: prefixMultiMap + name} }
func IDGeneratorKey(name string) ProxyKey { return ProxyKey{Name: prefixIDGenerator + name} }
func LockKey(object string) ProxyKey      { return ProxyKey{Name: lockName, Key: object} }

// Kind derives the object type from the name prefix. Longer prefixes are
// checked first, since "m:" is shared by sets, lists and multimaps.
func (k ProxyKey) Kind() (Kind, bool) {
	switch {
	case k.Name == lockName:
		return KindLock, true
	case strings.HasPrefix(k.Name, prefixSet):
		return KindSet, true
	case strings.HasPrefix(k.Name, prefixList):
		return KindList, true
	case strings.HasPrefix(k.Name, prefixMultiMap):
		return KindMultiMap, true
	case strings.HasPrefix(k.Name, prefixMap):
		return KindMap, true
	case strings.HasPrefix(k.Name, prefixQueue):
		return KindQueue, true
	case strings.HasPrefix(k.Name, prefixTopic):
		return KindTopic, true
	case strings.HasPrefix(k.Name, prefixIDGenerator):
		return KindIDGenerator, true
	default:
		return 0, false
	}
}

// BaseName returns the name without the kind prefix.
func (k ProxyKey) BaseName() string {
	kind, ok := k.Kind()
	if !ok {
		return k.Name
	}

	switch kind {
	case KindLock:
		return k.Key
	case KindSet:
		return strings.TrimPrefix(k.Name, prefixSet)
	case KindList:
		return strings.TrimPrefix(k.Name, prefixList)
	case KindMultiMap:
		return strings.TrimPrefix(k.Name, prefixMultiMap)
	case KindMap:
		return strings.TrimPrefix(k.Name, prefixMap)
	case KindQueue:
		return strings.TrimPrefix(k.Name, prefixQueue)
	case KindTopic:
		return strings.TrimPrefix(k.Name, prefixTopic)
	case KindIDGenerator:
		return strings.TrimPrefix(k.Name, prefixIDGenerator)
	}

	return k.Name
}

// Encode returns the ledger representation of the key.
func (k ProxyKey) Encode() string {
	if k.Key == "" {
		return k.Name
	}

	return k.Name + keySeparator + k.Key
}

func (k ProxyKey) String() string {
	if k.Key == "" {
		return k.Name
	}

	return k.Name + "[" + k.Key + "]"
}

// DecodeKey parses the ledger representation of a key.
func DecodeKey(s string) (ProxyKey, error) {
	name, key, _ := strings.Cut(s, keySeparator)

	pk := ProxyKey{Name: name, Key: key}
	if _, ok := pk.Kind(); !ok {
		return ProxyKey{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}

	return pk, nil
}
