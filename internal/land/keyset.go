package land

import (
	"container/list"
	"encoding/json"
)

// KeySet is a set of cell keys that iterates in insertion order.
// Membership, insertion and removal are O(1). The zero value is ready to use.
type KeySet struct {
	order *list.List
	index map[string]*list.Element
}

func NewKeySet(keys ...string) KeySet {
	var s KeySet
	for _, k := range keys {
		s.Add(k)
	}
	return s
}

func (s *KeySet) init() {
	if s.index == nil {
		s.index = make(map[string]*list.Element)
		s.order = list.New()
	}
}

func (s KeySet) Len() int { return len(s.index) }

func (s KeySet) Has(key string) bool {
	_, ok := s.index[key]
	return ok
}

// Add reports whether key was newly inserted.
func (s *KeySet) Add(key string) bool {
	s.init()
	if _, ok := s.index[key]; ok {
		return false
	}
	s.index[key] = s.order.PushBack(key)
	return true
}

// Remove reports whether key was present.
func (s *KeySet) Remove(key string) bool {
	e, ok := s.index[key]
	if !ok {
		return false
	}
	s.order.Remove(e)
	delete(s.index, key)
	return true
}

// Keys returns the members in insertion order.
func (s KeySet) Keys() []string {
	out := make([]string, 0, len(s.index))
	if s.order == nil {
		return out
	}
	for e := s.order.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(string))
	}
	return out
}

func (s KeySet) Clone() KeySet {
	return NewKeySet(s.Keys()...)
}

func (s KeySet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Keys())
}

func (s *KeySet) UnmarshalJSON(b []byte) error {
	var keys []string
	if err := json.Unmarshal(b, &keys); err != nil {
		return err
	}
	*s = NewKeySet(keys...)
	return nil
}
