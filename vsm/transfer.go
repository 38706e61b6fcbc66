package vsm

import (
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"golang.org/x/exp/slog"
)

// transferEngine owns the single command buffer and fence the allocator uses for all
// upload work. Every flush records into the same command buffer and signals the same
// fence, so the caller must wait on the returned fence before flushing again.
type transferEngine struct {
	logger    *slog.Logger
	device    core1_0.Device
	queue     core1_0.Queue
	callbacks *driver.AllocationCallbacks

	commandPool   core1_0.CommandPool
	commandBuffer core1_0.CommandBuffer
	fence         core1_0.Fence
}

func newTransferEngine(
	logger *slog.Logger,
	device core1_0.Device,
	queue core1_0.Queue,
	queueFamilyIndex int,
	callbacks *driver.AllocationCallbacks,
) (engine *transferEngine, res common.VkResult, err error) {
	engine = &transferEngine{
		logger:    logger,
		device:    device,
		queue:     queue,
		callbacks: callbacks,
	}

	engine.commandPool, res, err = device.CreateCommandPool(callbacks, core1_0.CommandPoolCreateInfo{
		Flags:            core1_0.CommandPoolCreateResetBuffer,
		QueueFamilyIndex: queueFamilyIndex,
	})
	if err != nil {
		return nil, res, err
	}
	defer func() {
		if err != nil {
			engine.commandPool.Destroy(callbacks)
		}
	}()

	commandBuffers, res, err := device.AllocateCommandBuffers(core1_0.CommandBufferAllocateInfo{
		CommandPool:        engine.commandPool,
		Level:              core1_0.CommandBufferLevelPrimary,
		CommandBufferCount: 1,
	})
	if err != nil {
		return nil, res, err
	}
	engine.commandBuffer = commandBuffers[0]

	engine.fence, res, err = device.CreateFence(callbacks, core1_0.FenceCreateInfo{})
	if err != nil {
		return nil, res, err
	}

	return engine, core1_0.VKSuccess, nil
}

// begin starts recording a fresh batch of transfer commands. The command pool was
// created with the reset flag, so beginning implicitly resets the command buffer.
func (e *transferEngine) begin() (common.VkResult, error) {
	e.logger.Debug("transferEngine::begin")

	return e.commandBuffer.Begin(core1_0.CommandBufferBeginInfo{
		Flags: core1_0.CommandBufferUsageOneTimeSubmit,
	})
}

// recordBufferCopy records a copy of one block's span from the staging buffer to the
// device-local buffer.
func (e *transferEngine) recordBufferCopy(staging *Block, device *Block) {
	e.commandBuffer.CmdCopyBuffer(staging.Buffer(), device.Buffer(), []core1_0.BufferCopy{
		{
			SrcOffset: staging.AlignedOffset(),
			DstOffset: device.AlignedOffset(),
			Size:      staging.Size(),
		},
	})
}

// recordImageUpload records the full upload of an image: transition to transfer layout,
// copy of mip level 0 from the staging buffer, generation of the remaining mip levels by
// blitting, and transition to shader-read layout.
func (e *transferEngine) recordImageUpload(staging *Block, image core1_0.Image, data ImageEntryData) {
	e.logger.Debug("transferEngine::recordImageUpload",
		slog.Int("width", data.Width),
		slog.Int("height", data.Height),
		slog.Int("mipLevels", data.MipLevels),
	)

	allLevels := core1_0.ImageSubresourceRange{
		AspectMask:     core1_0.ImageAspectColor,
		BaseMipLevel:   0,
		LevelCount:     data.MipLevels,
		BaseArrayLayer: 0,
		LayerCount:     1,
	}

	e.commandBuffer.CmdPipelineBarrier(
		core1_0.PipelineStageTopOfPipe, core1_0.PipelineStageTransfer, 0,
		nil, nil,
		[]core1_0.ImageMemoryBarrier{
			{
				SrcAccessMask:       0,
				DstAccessMask:       core1_0.AccessTransferWrite,
				OldLayout:           core1_0.ImageLayoutUndefined,
				NewLayout:           core1_0.ImageLayoutTransferDstOptimal,
				SrcQueueFamilyIndex: -1,
				DstQueueFamilyIndex: -1,
				Image:               image,
				SubresourceRange:    allLevels,
			},
		})

	e.commandBuffer.CmdCopyBufferToImage(staging.Buffer(), image, core1_0.ImageLayoutTransferDstOptimal,
		[]core1_0.BufferImageCopy{
			{
				BufferOffset: staging.AlignedOffset(),
				ImageSubresource: core1_0.ImageSubresourceLayers{
					AspectMask:     core1_0.ImageAspectColor,
					MipLevel:       0,
					BaseArrayLayer: 0,
					LayerCount:     1,
				},
				ImageExtent: core1_0.Extent3D{
					Width:  data.Width,
					Height: data.Height,
					Depth:  data.Depth,
				},
			},
		})

	mipWidth := data.Width
	mipHeight := data.Height
	for level := 1; level < data.MipLevels; level++ {
		prevLevel := core1_0.ImageSubresourceRange{
			AspectMask:     core1_0.ImageAspectColor,
			BaseMipLevel:   level - 1,
			LevelCount:     1,
			BaseArrayLayer: 0,
			LayerCount:     1,
		}

		e.commandBuffer.CmdPipelineBarrier(
			core1_0.PipelineStageTransfer, core1_0.PipelineStageTransfer, 0,
			nil, nil,
			[]core1_0.ImageMemoryBarrier{
				{
					SrcAccessMask:       core1_0.AccessTransferWrite,
					DstAccessMask:       core1_0.AccessTransferRead,
					OldLayout:           core1_0.ImageLayoutTransferDstOptimal,
					NewLayout:           core1_0.ImageLayoutTransferSrcOptimal,
					SrcQueueFamilyIndex: -1,
					DstQueueFamilyIndex: -1,
					Image:               image,
					SubresourceRange:    prevLevel,
				},
			})

		nextWidth := mipWidth / 2
		if nextWidth < 1 {
			nextWidth = 1
		}
		nextHeight := mipHeight / 2
		if nextHeight < 1 {
			nextHeight = 1
		}

		e.commandBuffer.CmdBlitImage(
			image, core1_0.ImageLayoutTransferSrcOptimal,
			image, core1_0.ImageLayoutTransferDstOptimal,
			[]core1_0.ImageBlit{
				{
					SrcSubresource: core1_0.ImageSubresourceLayers{
						AspectMask:     core1_0.ImageAspectColor,
						MipLevel:       level - 1,
						BaseArrayLayer: 0,
						LayerCount:     1,
					},
					SrcOffsets: [2]core1_0.Offset3D{
						{X: 0, Y: 0, Z: 0},
						{X: mipWidth, Y: mipHeight, Z: 1},
					},
					DstSubresource: core1_0.ImageSubresourceLayers{
						AspectMask:     core1_0.ImageAspectColor,
						MipLevel:       level,
						BaseArrayLayer: 0,
						LayerCount:     1,
					},
					DstOffsets: [2]core1_0.Offset3D{
						{X: 0, Y: 0, Z: 0},
						{X: nextWidth, Y: nextHeight, Z: 1},
					},
				},
			},
			core1_0.FilterLinear)

		e.commandBuffer.CmdPipelineBarrier(
			core1_0.PipelineStageTransfer, core1_0.PipelineStageFragmentShader, 0,
			nil, nil,
			[]core1_0.ImageMemoryBarrier{
				{
					SrcAccessMask:       core1_0.AccessTransferRead,
					DstAccessMask:       core1_0.AccessShaderRead,
					OldLayout:           core1_0.ImageLayoutTransferSrcOptimal,
					NewLayout:           core1_0.ImageLayoutShaderReadOnlyOptimal,
					SrcQueueFamilyIndex: -1,
					DstQueueFamilyIndex: -1,
					Image:               image,
					SubresourceRange:    prevLevel,
				},
			})

		mipWidth = nextWidth
		mipHeight = nextHeight
	}

	lastLevel := core1_0.ImageSubresourceRange{
		AspectMask:     core1_0.ImageAspectColor,
		BaseMipLevel:   data.MipLevels - 1,
		LevelCount:     1,
		BaseArrayLayer: 0,
		LayerCount:     1,
	}

	e.commandBuffer.CmdPipelineBarrier(
		core1_0.PipelineStageTransfer, core1_0.PipelineStageFragmentShader, 0,
		nil, nil,
		[]core1_0.ImageMemoryBarrier{
			{
				SrcAccessMask:       core1_0.AccessTransferWrite,
				DstAccessMask:       core1_0.AccessShaderRead,
				OldLayout:           core1_0.ImageLayoutTransferDstOptimal,
				NewLayout:           core1_0.ImageLayoutShaderReadOnlyOptimal,
				SrcQueueFamilyIndex: -1,
				DstQueueFamilyIndex: -1,
				Image:               image,
				SubresourceRange:    lastLevel,
			},
		})
}

// submit ends the recording and submits it to the transfer queue, signaling the engine's
// fence on completion.
func (e *transferEngine) submit() (common.VkResult, error) {
	e.logger.Debug("transferEngine::submit")

	res, err := e.commandBuffer.End()
	if err != nil {
		return res, err
	}

	res, err = e.fence.Reset()
	if err != nil {
		return res, err
	}

	return e.queue.Submit(e.fence, []core1_0.SubmitInfo{
		{
			CommandBuffers: []core1_0.CommandBuffer{e.commandBuffer},
		},
	})
}

func (e *transferEngine) destroy() {
	e.logger.Debug("transferEngine::destroy")

	e.fence.Destroy(e.callbacks)
	e.commandPool.Destroy(e.callbacks)
}
