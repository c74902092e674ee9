package extent

import (
	"bufio"
	"bytes"
	"context"
	"sync"
)

import (
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

import (
	"github.com/Bipinoli/distributed-file-system/serializer"
)

// one stored extent
type Record struct {
	Data []byte
	Attr Attr
}

// Store is the server's persistence backend
type Store interface {
	Start() error
	Stop() error

	Get(id ExtentID) (Record, bool, error)
	Put(id ExtentID, r Record) error
	// reports whether the id existed
	Remove(id ExtentID) (bool, error)
}

/************** memory store **************/

type MemoryStore struct {
	mutex sync.RWMutex
	data  map[ExtentID]Record
}

var _ = Store(&MemoryStore{})

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[ExtentID]Record)}
}

func (s *MemoryStore) Start() error { return nil }
func (s *MemoryStore) Stop() error  { return nil }

func (s *MemoryStore) Get(id ExtentID) (Record, bool, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	r, ok := s.data[id]
	return r, ok, nil
}

func (s *MemoryStore) Put(id ExtentID, r Record) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.data[id] = r
	return nil
}

func (s *MemoryStore) Remove(id ExtentID) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	_, ok := s.data[id]
	delete(s.data, id)
	return ok, nil
}

/************** redis store **************/

// RedisStore keeps extents in a redis instance, one key per extent,
// so the extent server survives restarts without its own disk
// format
type RedisStore struct {
	client *redis.Client
	ctx    context.Context
	prefix string
}

var _ = Store(&RedisStore{})

func NewRedisStore(addr string) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		ctx:    context.Background(),
		prefix: "extent:",
	}
}

func (s *RedisStore) Start() error {
	if err := s.client.Ping(s.ctx).Err(); err != nil {
		return errors.Wrap(err, "redis ping")
	}
	return nil
}

func (s *RedisStore) Stop() error {
	return s.client.Close()
}

func (s *RedisStore) key(id ExtentID) string {
	buf := &bytes.Buffer{}
	writer := bufio.NewWriter(buf)
	serializer.WriteUint64(writer, uint64(id))
	writer.Flush()
	return s.prefix + string(buf.Bytes())
}

func (s *RedisStore) Get(id ExtentID) (Record, bool, error) {
	val, err := s.client.Get(s.ctx, s.key(id)).Bytes()
	if err == redis.Nil {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, errors.Wrap(err, "redis get")
	}
	r, err := decodeRecord(val)
	if err != nil {
		return Record{}, false, err
	}
	return r, true, nil
}

func (s *RedisStore) Put(id ExtentID, r Record) error {
	if err := s.client.Set(s.ctx, s.key(id), encodeRecord(r), 0).Err(); err != nil {
		return errors.Wrap(err, "redis set")
	}
	return nil
}

func (s *RedisStore) Remove(id ExtentID) (bool, error) {
	n, err := s.client.Del(s.ctx, s.key(id)).Result()
	if err != nil {
		return false, errors.Wrap(err, "redis del")
	}
	return n > 0, nil
}

/************** record encoding **************/

func encodeRecord(r Record) []byte {
	buf := &bytes.Buffer{}
	writer := bufio.NewWriter(buf)
	check := func(err error) {
		if err != nil {
			panic(err)
		}
	}
	check(serializer.WriteFieldBytes(writer, r.Data))
	check(r.Attr.serialize(writer))
	check(writer.Flush())
	return buf.Bytes()
}

func decodeRecord(b []byte) (Record, error) {
	reader := bufio.NewReader(bytes.NewReader(b))
	r := Record{}
	var err error
	if r.Data, err = serializer.ReadFieldBytes(reader); err != nil {
		return r, errors.Wrap(err, "decode record")
	}
	if err = r.Attr.deserialize(reader); err != nil {
		return r, errors.Wrap(err, "decode record")
	}
	return r, nil
}
