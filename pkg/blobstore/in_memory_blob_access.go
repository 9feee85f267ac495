package blobstore

import (
	"container/list"
	"context"
	"math"
	"sync"

	"github.com/toolchainlabs/remexec/pkg/blobstore/buffer"
	"github.com/toolchainlabs/remexec/pkg/digest"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type inMemoryBlob struct {
	key      string
	data     []byte
	pinCount int
}

// InMemoryBlobAccess is a BlobAccess that stores all blobs in process
// memory. Eviction is least-recently-used over a total byte budget.
// Blobs that are pinned are excluded from eviction, which allows the
// scheduler to protect the outputs of in-flight operations until their
// results have been published.
//
// Buffers handed out by Get() retain a reference to the blob's
// contents. Because blob contents are immutable once stored, a reader
// that races with eviction still observes the full blob; it never
// observes truncated data.
type InMemoryBlobAccess struct {
	readBufferFactory ReadBufferFactory
	keyFormat         digest.KeyFormat
	maximumTotalBytes int64

	lock       sync.Mutex
	blobs      map[string]*list.Element
	lruList    *list.List
	totalBytes int64
}

var _ BlobAccess = (*InMemoryBlobAccess)(nil)

// NewInMemoryBlobAccess creates a BlobAccess that keeps all data in
// process memory, bounded by a total byte budget.
func NewInMemoryBlobAccess(readBufferFactory ReadBufferFactory, keyFormat digest.KeyFormat, maximumTotalBytes int64) *InMemoryBlobAccess {
	return &InMemoryBlobAccess{
		readBufferFactory: readBufferFactory,
		keyFormat:         keyFormat,
		maximumTotalBytes: maximumTotalBytes,

		blobs:   map[string]*list.Element{},
		lruList: list.New(),
	}
}

func (ba *InMemoryBlobAccess) removeLocked(element *list.Element) {
	blob := element.Value.(*inMemoryBlob)
	ba.totalBytes -= int64(len(blob.data))
	ba.lruList.Remove(element)
	delete(ba.blobs, blob.key)
}

// evictLocked removes least recently used blobs until the store is
// within its byte budget. Pinned blobs are skipped.
func (ba *InMemoryBlobAccess) evictLocked() {
	element := ba.lruList.Back()
	for element != nil && ba.totalBytes > ba.maximumTotalBytes {
		previous := element.Prev()
		if element.Value.(*inMemoryBlob).pinCount == 0 {
			ba.removeLocked(element)
		}
		element = previous
	}
}

func (ba *InMemoryBlobAccess) dataIntegrityCallback(key string) buffer.DataIntegrityCallback {
	return func(dataIsValid bool) {
		if !dataIsValid {
			// Storage is corrupted. Remove the blob, so that
			// clients may re-upload it.
			ba.lock.Lock()
			if element, ok := ba.blobs[key]; ok {
				ba.removeLocked(element)
			}
			ba.lock.Unlock()
		}
	}
}

func (ba *InMemoryBlobAccess) Get(ctx context.Context, blobDigest digest.Digest) buffer.Buffer {
	key := blobDigest.GetKey(ba.keyFormat)
	ba.lock.Lock()
	element, ok := ba.blobs[key]
	if !ok {
		ba.lock.Unlock()
		return buffer.NewBufferFromError(status.Errorf(codes.NotFound, "Blob %#v not found", blobDigest.String()))
	}
	ba.lruList.MoveToFront(element)
	data := element.Value.(*inMemoryBlob).data
	ba.lock.Unlock()
	return ba.readBufferFactory.NewBufferFromByteSlice(blobDigest, data, ba.dataIntegrityCallback(key))
}

func (ba *InMemoryBlobAccess) Put(ctx context.Context, blobDigest digest.Digest, b buffer.Buffer) error {
	sizeBytes, err := b.GetSizeBytes()
	if err != nil {
		b.Discard()
		return err
	}
	if sizeBytes > ba.maximumTotalBytes {
		b.Discard()
		return status.Errorf(codes.ResourceExhausted, "Blob is %d bytes in size, which exceeds the storage capacity of %d bytes", sizeBytes, ba.maximumTotalBytes)
	}

	// Consume the buffer before acquiring the lock, as integrity
	// checking may be expensive. Buffers whose contents do not
	// correspond to the digest fail here, leaving storage
	// unchanged.
	data, err := b.ToByteSlice(math.MaxInt)
	if err != nil {
		return err
	}

	key := blobDigest.GetKey(ba.keyFormat)
	ba.lock.Lock()
	if element, ok := ba.blobs[key]; ok {
		// Blob already present. Storing it again is a no-op.
		ba.lruList.MoveToFront(element)
	} else {
		ba.blobs[key] = ba.lruList.PushFront(&inMemoryBlob{
			key:  key,
			data: data,
		})
		ba.totalBytes += int64(len(data))
		ba.evictLocked()
	}
	ba.lock.Unlock()
	return nil
}

func (ba *InMemoryBlobAccess) Remove(ctx context.Context, blobDigest digest.Digest) error {
	key := blobDigest.GetKey(ba.keyFormat)
	ba.lock.Lock()
	if element, ok := ba.blobs[key]; ok {
		ba.removeLocked(element)
	}
	ba.lock.Unlock()
	return nil
}

func (ba *InMemoryBlobAccess) FindMissing(ctx context.Context, digests digest.Set) (digest.Set, error) {
	missing := digest.NewSetBuilder()
	ba.lock.Lock()
	for _, blobDigest := range digests.Items() {
		if element, ok := ba.blobs[blobDigest.GetKey(ba.keyFormat)]; ok {
			ba.lruList.MoveToFront(element)
		} else {
			missing.Add(blobDigest)
		}
	}
	ba.lock.Unlock()
	return missing.Build(), nil
}

// Pin marks a blob as exempt from eviction. Every call to Pin() must be
// paired with a call to Unpin(). Pinning a blob that is not present is
// not an error, as the scheduler may pin outputs reported by a worker
// before validating their existence.
func (ba *InMemoryBlobAccess) Pin(blobDigest digest.Digest) {
	ba.lock.Lock()
	if element, ok := ba.blobs[blobDigest.GetKey(ba.keyFormat)]; ok {
		element.Value.(*inMemoryBlob).pinCount++
	}
	ba.lock.Unlock()
}

// Unpin makes a previously pinned blob eligible for eviction again.
func (ba *InMemoryBlobAccess) Unpin(blobDigest digest.Digest) {
	ba.lock.Lock()
	if element, ok := ba.blobs[blobDigest.GetKey(ba.keyFormat)]; ok {
		if blob := element.Value.(*inMemoryBlob); blob.pinCount > 0 {
			blob.pinCount--
		}
	}
	ba.lock.Unlock()
	// Removal of excess data is deferred until the next Put(), as
	// unpinning does not increase the total size of the store.
}
