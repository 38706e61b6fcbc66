package vsm

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"golang.org/x/exp/slog"
)

// DescriptorPoolKind selects which descriptor type a DeviceDescriptorPools object
// allocates.
type DescriptorPoolKind uint32

const (
	DescriptorPoolKindCombinedImageSampler DescriptorPoolKind = iota
	DescriptorPoolKindSampledImage
	DescriptorPoolKindSampler
	DescriptorPoolKindUniformBuffer
	DescriptorPoolKindStorageBuffer
)

var descriptorPoolKindMapping = map[DescriptorPoolKind]string{
	DescriptorPoolKindCombinedImageSampler: "DescriptorPoolKindCombinedImageSampler",
	DescriptorPoolKindSampledImage:         "DescriptorPoolKindSampledImage",
	DescriptorPoolKindSampler:              "DescriptorPoolKindSampler",
	DescriptorPoolKindUniformBuffer:        "DescriptorPoolKindUniformBuffer",
	DescriptorPoolKindStorageBuffer:        "DescriptorPoolKindStorageBuffer",
}

func (k DescriptorPoolKind) String() string {
	return descriptorPoolKindMapping[k]
}

func (k DescriptorPoolKind) descriptorType() core1_0.DescriptorType {
	switch k {
	case DescriptorPoolKindCombinedImageSampler:
		return core1_0.DescriptorTypeCombinedImageSampler
	case DescriptorPoolKindSampledImage:
		return core1_0.DescriptorTypeSampledImage
	case DescriptorPoolKindSampler:
		return core1_0.DescriptorTypeSampler
	case DescriptorPoolKindUniformBuffer:
		return core1_0.DescriptorTypeUniformBuffer
	case DescriptorPoolKindStorageBuffer:
		return core1_0.DescriptorTypeStorageBuffer
	}

	panic(errors.Newf("unknown descriptor pool kind %d", uint32(k)))
}

// DescriptorPool is one driver-level pool with a fixed capacity. The count of sets
// handed out only grows: sets are never returned to a pool individually, so a full pool
// stays full until the whole pool is destroyed. The count is maintained atomically so it
// can be read while another goroutine allocates.
type DescriptorPool struct {
	pool     core1_0.DescriptorPool
	capacity int
	count    int32
}

func (p *DescriptorPool) available() int {
	return p.capacity - int(atomic.LoadInt32(&p.count))
}

// DescriptorSetGroup is a run of descriptor sets allocated together from a single pool.
// One logical allocation may span several groups when it straddles pool boundaries.
type DescriptorSetGroup struct {
	Pool core1_0.DescriptorPool
	Sets []core1_0.DescriptorSet
}

// DeviceDescriptorPools allocates descriptor sets of a single kind, growing a list of
// fixed-capacity pools as demand requires. Allocation walks the pool list greedily,
// draining each pool's remaining capacity before moving to the next, and skips pools
// that earlier walks already filled.
//
// The pool list is not internally synchronized: callers must serialize method calls, as
// Allocator does under its own lock. Each pool's set count is maintained atomically, so
// counts read through a retained DescriptorPool reference stay coherent.
type DeviceDescriptorPools struct {
	Kind DescriptorPoolKind

	logger          *slog.Logger
	device          core1_0.Device
	callbacks       *driver.AllocationCallbacks
	defaultCapacity int

	pools           []*DescriptorPool
	poolIndexOffset int
}

func NewDeviceDescriptorPools(
	logger *slog.Logger,
	device core1_0.Device,
	callbacks *driver.AllocationCallbacks,
	kind DescriptorPoolKind,
	defaultCapacity int,
) *DeviceDescriptorPools {
	if defaultCapacity < 1 {
		panic("attempted to create descriptor pools with a non-positive default capacity")
	}

	return &DeviceDescriptorPools{
		Kind: kind,

		logger:          logger,
		device:          device,
		callbacks:       callbacks,
		defaultCapacity: defaultCapacity,
	}
}

func (p *DeviceDescriptorPools) createPool() (*DescriptorPool, common.VkResult, error) {
	p.logger.Debug("DeviceDescriptorPools::createPool",
		slog.String("kind", p.Kind.String()),
		slog.Int("capacity", p.defaultCapacity),
	)

	pool, res, err := p.device.CreateDescriptorPool(p.callbacks, core1_0.DescriptorPoolCreateInfo{
		Flags:   core1_0.DescriptorPoolCreateFreeDescriptorSet,
		MaxSets: p.defaultCapacity,
		PoolSizes: []core1_0.DescriptorPoolSize{
			{
				Type:            p.Kind.descriptorType(),
				DescriptorCount: p.defaultCapacity,
			},
		},
	})
	if err != nil {
		return nil, res, err
	}

	descriptorPool := &DescriptorPool{
		pool:     pool,
		capacity: p.defaultCapacity,
	}
	p.pools = append(p.pools, descriptorPool)

	return descriptorPool, res, nil
}

func (p *DeviceDescriptorPools) allocateFromPool(pool *DescriptorPool, setCount int, layout core1_0.DescriptorSetLayout) (DescriptorSetGroup, common.VkResult, error) {
	layouts := make([]core1_0.DescriptorSetLayout, setCount)
	for i := 0; i < setCount; i++ {
		layouts[i] = layout
	}

	sets, res, err := p.device.AllocateDescriptorSets(core1_0.DescriptorSetAllocateInfo{
		DescriptorPool: pool.pool,
		SetLayouts:     layouts,
	})
	if err != nil {
		return DescriptorSetGroup{}, res, err
	}

	atomic.AddInt32(&pool.count, int32(setCount))
	return DescriptorSetGroup{
		Pool: pool.pool,
		Sets: sets,
	}, res, nil
}

// Allocate hands out setCount descriptor sets of the provided layout, split into one
// group per pool touched. Existing pools are drained in order before any new pool is
// created, and every new pool is created at the default capacity.
func (p *DeviceDescriptorPools) Allocate(setCount int, layout core1_0.DescriptorSetLayout) ([]DescriptorSetGroup, common.VkResult, error) {
	p.logger.Debug("DeviceDescriptorPools::Allocate",
		slog.String("kind", p.Kind.String()),
		slog.Int("setCount", setCount),
	)

	if setCount < 1 {
		return nil, core1_0.VKErrorUnknown, errors.Newf("invalid descriptor set count %d", setCount)
	}

	var groups []DescriptorSetGroup
	remaining := setCount

	for poolIndex := p.poolIndexOffset; poolIndex < len(p.pools); poolIndex++ {
		pool := p.pools[poolIndex]

		if pool.available() == 0 {
			// Full pools at the front of the walk never have capacity again, so skip
			// them permanently
			if poolIndex == p.poolIndexOffset {
				p.poolIndexOffset++
			}
			continue
		}

		take := pool.available()
		if take > remaining {
			take = remaining
		}

		group, res, err := p.allocateFromPool(pool, take, layout)
		if err != nil {
			return nil, res, err
		}

		groups = append(groups, group)
		remaining -= take
		if remaining == 0 {
			return groups, core1_0.VKSuccess, nil
		}
	}

	for remaining > 0 {
		pool, res, err := p.createPool()
		if err != nil {
			return nil, res, err
		}

		take := pool.capacity
		if take > remaining {
			take = remaining
		}

		group, res, err := p.allocateFromPool(pool, take, layout)
		if err != nil {
			return nil, res, err
		}

		groups = append(groups, group)
		remaining -= take
	}

	return groups, core1_0.VKSuccess, nil
}

// PoolCount returns the number of driver-level pools created so far.
func (p *DeviceDescriptorPools) PoolCount() int {
	return len(p.pools)
}

// SetCount returns the total number of descriptor sets handed out across all pools.
func (p *DeviceDescriptorPools) SetCount() int {
	var count int
	for _, pool := range p.pools {
		count += int(atomic.LoadInt32(&pool.count))
	}
	return count
}

// Destroy tears down every pool, freeing all descriptor sets allocated from them.
func (p *DeviceDescriptorPools) Destroy() {
	p.logger.Debug("DeviceDescriptorPools::Destroy", slog.String("kind", p.Kind.String()))

	for _, pool := range p.pools {
		pool.pool.Destroy(p.callbacks)
	}
	p.pools = nil
	p.poolIndexOffset = 0
}
