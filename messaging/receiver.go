package messaging

import (
	"context"
	"sync"

	"github.com/VFPowerTechnologies/sly-chat-sub002/cipher"
	"github.com/VFPowerTechnologies/sly-chat-sub002/config"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

// Receiver owns the inbound pipeline. Packages are persisted on arrival, held
// in a timestamp-ordered in-memory queue and fed one at a time through
// decryption. A package leaves the durable store only at a terminal outcome:
// processed, or dropped on a permanent failure.
type Receiver struct {
	log       *zap.SugaredLogger
	cipher    cipher.Service
	store     InboundQueueStore
	processor *Processor

	arrived chan []*Package
	pending []*Package
	current *Package

	cancelFunc context.CancelFunc
	finished   sync.WaitGroup
}

func NewReceiver(c *config.Config, ci cipher.Service, store InboundQueueStore, processor *Processor) *Receiver {
	return &Receiver{
		log:       c.Logger("receiver"),
		cipher:    ci,
		store:     store,
		processor: processor,
		arrived:   make(chan []*Package, c.InboundQueueDepth),
	}
}

func (r *Receiver) Start() error {
	ctx, cancelFunc := context.WithCancel(context.Background())
	r.cancelFunc = cancelFunc

	r.finished.Add(1)
	go func() {
		defer r.finished.Done()

		// Previously persisted packages run through the pipeline before any
		// newly arrived one.
		queued, err := r.store.GetQueuedPackages(ctx)
		if err != nil {
			r.log.Warnf("failed loading queued packages: %v", err)
		} else {
			slices.SortFunc(queued, func(a, b *Package) int {
				switch {
				case a.Timestamp < b.Timestamp:
					return -1
				case a.Timestamp > b.Timestamp:
					return 1
				default:
					return 0
				}
			})
			r.pending = queued
			r.processNext(ctx)
		}

		for {
			select {
			case <-ctx.Done():
				return
			case packages := <-r.arrived:
				for _, p := range packages {
					r.insert(p)
				}
				r.processNext(ctx)
			case result := <-r.cipher.DecryptedMessages():
				r.handleDecryptionResult(ctx, result)
			}
		}
	}()
	return nil
}

func (r *Receiver) Shutdown() {
	if r.cancelFunc != nil {
		r.cancelFunc()
	}
	r.finished.Wait()
}

// NewMessages proxies the processor's new-message stream.
func (r *Receiver) NewMessages() (<-chan interface{}, func()) {
	return r.processor.NewMessages()
}

// GroupEvents proxies the processor's group-event stream.
func (r *Receiver) GroupEvents() (<-chan interface{}, func()) {
	return r.processor.GroupEvents()
}

// ProcessPackages persists the packages, then queues them for decryption in
// timestamp order. Failure is returned only when durable persistence fails.
func (r *Receiver) ProcessPackages(ctx context.Context, packages []*Package) error {
	if len(packages) == 0 {
		return nil
	}
	if err := r.store.AddPackages(ctx, packages); err != nil {
		return err
	}
	select {
	case r.arrived <- packages:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// insert keeps pending sorted by timestamp, oldest first. Equal timestamps
// keep arrival order.
func (r *Receiver) insert(p *Package) {
	at, _ := slices.BinarySearchFunc(r.pending, p, func(a, b *Package) int {
		if a.Timestamp <= b.Timestamp {
			return -1
		}
		return 1
	})
	r.pending = slices.Insert(r.pending, at, p)
}

func (r *Receiver) processNext(ctx context.Context) {
	for r.current == nil && len(r.pending) > 0 {
		p := r.pending[0]
		r.pending = r.pending[1:]

		info, err := cipher.ParsePackagePayload(p.ID.MessageID, p.Payload)
		if err != nil {
			r.log.Warnf("dropping package %s from %s: %v", p.ID.MessageID, p.ID.Address, err)
			r.remove(ctx, p.ID)
			continue
		}
		r.current = p
		r.cipher.Decrypt(p.ID.Address, info)
	}
}

func (r *Receiver) handleDecryptionResult(ctx context.Context, result cipher.DecryptionResult) {
	if r.current == nil || r.current.ID.MessageID != result.MessageID {
		r.log.Warnf("decryption result for %s does not match in-flight package", result.MessageID)
		return
	}
	p := r.current
	r.current = nil

	if result.Err != nil {
		// Not recoverable without the sender resending. Drop and move on.
		r.log.Warnf("failed decrypting package %s from %s: %v", p.ID.MessageID, p.ID.Address, result.Err)
		r.remove(ctx, p.ID)
		r.processNext(ctx)
		return
	}

	message, err := DeserializeMessage(result.Plaintext)
	if err != nil {
		r.log.Warnf("dropping undecodable package %s from %s: %v", p.ID.MessageID, p.ID.Address, err)
		r.remove(ctx, p.ID)
		r.processNext(ctx)
		return
	}

	if err := r.processor.ProcessMessage(ctx, p.ID.Address, message); err != nil {
		r.log.Warnf("failed processing package %s from %s: %v", p.ID.MessageID, p.ID.Address, err)
	}
	r.remove(ctx, p.ID)
	r.processNext(ctx)
}

func (r *Receiver) remove(ctx context.Context, id PackageID) {
	if err := r.store.RemovePackage(ctx, id); err != nil {
		r.log.Warnf("failed removing package %s: %v", id.MessageID, err)
	}
}
