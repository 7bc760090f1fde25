package hub

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"
)

type RedisEphemeralStoreSettings struct {
	Ttl       time.Duration
	KeyPrefix string
	// channel prefix for cross node delta fanout
	ChannelPrefix string
}

func DefaultRedisEphemeralStoreSettings() *RedisEphemeralStoreSettings {
	return &RedisEphemeralStoreSettings{
		Ttl:           30 * time.Second,
		KeyPrefix:     "loro:ephemeral:",
		ChannelPrefix: "loro:ephemeral:ch:",
	}
}

// redis backed ephemeral store for multi node deployments. keys carry a
// ttl so eviction is redis's job; deltas published by other nodes
// surface as local updates so the hub relays them onward
type RedisEphemeralStore struct {
	ctx    context.Context
	cancel context.CancelFunc

	client       *redis.Client
	documentName string
	// distinguishes this node's publishes from remote ones
	instanceId Id
	settings   *RedisEphemeralStoreSettings

	localCallbacks *CallbackList[func(delta []byte)]
}

func NewRedisEphemeralStoreWithDefaults(
	ctx context.Context,
	client *redis.Client,
	documentName string,
) *RedisEphemeralStore {
	return NewRedisEphemeralStore(ctx, client, documentName, DefaultRedisEphemeralStoreSettings())
}

func NewRedisEphemeralStore(
	ctx context.Context,
	client *redis.Client,
	documentName string,
	settings *RedisEphemeralStoreSettings,
) *RedisEphemeralStore {
	cancelCtx, cancel := context.WithCancel(ctx)
	store := &RedisEphemeralStore{
		ctx:            cancelCtx,
		cancel:         cancel,
		client:         client,
		documentName:   documentName,
		instanceId:     NewId(),
		settings:       settings,
		localCallbacks: NewCallbackList[func(delta []byte)](),
	}
	go store.subscribeRemote()
	return store
}

func (self *RedisEphemeralStore) key(key string) string {
	return fmt.Sprintf("%s%s:%s", self.settings.KeyPrefix, self.documentName, key)
}

func (self *RedisEphemeralStore) channel() string {
	return self.settings.ChannelPrefix + self.documentName
}

// deltas published by sibling nodes surface here as local updates
func (self *RedisEphemeralStore) subscribeRemote() {
	pubsub := self.client.Subscribe(self.ctx, self.channel())
	defer pubsub.Close()

	for {
		select {
		case <-self.ctx.Done():
			return
		case message, ok := <-pubsub.Channel():
			if !ok {
				return
			}
			payload := []byte(message.Payload)
			// envelope := instanceId(16) delta
			if len(payload) < 16 {
				continue
			}
			instanceId, err := IdFromBytes(payload[0:16])
			if err != nil || instanceId == self.instanceId {
				continue
			}
			delta := payload[16:]
			for _, callback := range self.localCallbacks.Get() {
				c := callback
				HandleError(func() {
					c(delta)
				})
			}
		}
	}
}

func (self *RedisEphemeralStore) publish(delta []byte) {
	payload := append(self.instanceId.Bytes(), delta...)
	if err := self.client.Publish(self.ctx, self.channel(), payload).Err(); err != nil {
		glog.Infof("[ephemeral]%s publish = %s\n", self.documentName, err)
	}
}

// redis value := varuint(timestampMillis) varbytes(value)
func encodeRedisEntry(entry ephemeralEntry) []byte {
	encoder := NewEncoder()
	encoder.WriteVarUint(entry.timestampMillis)
	encoder.WriteVarBytes(entry.value)
	return encoder.Bytes()
}

func decodeRedisEntry(b []byte) (ephemeralEntry, error) {
	decoder := NewDecoder(b)
	timestampMillis, err := decoder.ReadVarUint()
	if err != nil {
		return ephemeralEntry{}, err
	}
	value, err := decoder.ReadVarBytes()
	if err != nil {
		return ephemeralEntry{}, err
	}
	return ephemeralEntry{
		value:           value,
		timestampMillis: timestampMillis,
	}, nil
}

// local write. stored with ttl, published to sibling nodes, and fanned out
// to local subscribers so an attached provider ships it to peers
func (self *RedisEphemeralStore) Set(key string, value []byte) error {
	entry := ephemeralEntry{
		value:           value,
		timestampMillis: uint64(time.Now().UnixMilli()),
	}
	if err := self.applyEntry(key, entry); err != nil {
		return err
	}
	delta := encodeEphemeralDelta(map[string]ephemeralEntry{key: entry})
	self.publish(delta)
	for _, callback := range self.localCallbacks.Get() {
		c := callback
		HandleError(func() {
			c(delta)
		})
	}
	return nil
}

func (self *RedisEphemeralStore) applyEntry(key string, entry ephemeralEntry) error {
	if len(entry.value) == 0 {
		return self.client.Del(self.ctx, self.key(key)).Err()
	}
	return self.client.Set(self.ctx, self.key(key), encodeRedisEntry(entry), self.settings.Ttl).Err()
}

// EphemeralStore

func (self *RedisEphemeralStore) Apply(delta []byte) error {
	entries, err := decodeEphemeralDelta(delta)
	if err != nil {
		return err
	}
	for key, entry := range entries {
		// last writer wins on the stored timestamp
		existing, err := self.client.Get(self.ctx, self.key(key)).Bytes()
		if err == nil {
			if existingEntry, err := decodeRedisEntry(existing); err == nil {
				if entry.timestampMillis < existingEntry.timestampMillis {
					continue
				}
			}
		} else if err != redis.Nil {
			return err
		}
		if err := self.applyEntry(key, entry); err != nil {
			return err
		}
	}
	return nil
}

func (self *RedisEphemeralStore) SubscribeLocalUpdates(callback func(delta []byte)) func() {
	callbackId := self.localCallbacks.Add(callback)
	return func() {
		self.localCallbacks.Remove(callbackId)
	}
}

func (self *RedisEphemeralStore) EncodeAll() ([]byte, error) {
	pattern := fmt.Sprintf("%s%s:*", self.settings.KeyPrefix, self.documentName)
	prefix := fmt.Sprintf("%s%s:", self.settings.KeyPrefix, self.documentName)

	entries := map[string]ephemeralEntry{}
	iter := self.client.Scan(self.ctx, 0, pattern, 0).Iterator()
	for iter.Next(self.ctx) {
		redisKey := iter.Val()
		b, err := self.client.Get(self.ctx, redisKey).Bytes()
		if err == redis.Nil {
			continue
		} else if err != nil {
			return nil, err
		}
		entry, err := decodeRedisEntry(b)
		if err != nil {
			glog.Infof("[ephemeral]%s bad entry at %s = %s\n", self.documentName, redisKey, err)
			continue
		}
		entries[redisKey[len(prefix):]] = entry
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return encodeEphemeralDelta(entries), nil
}

func (self *RedisEphemeralStore) Close() {
	self.cancel()
}
