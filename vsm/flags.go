package vsm

import "github.com/vkngwrapper/core/v2/common"

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

var allocatorCreateFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	allocatorCreateFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return allocatorCreateFlagsMapping.FlagsToString(f)
}

const (
	// AllocatorCreateExternallySynchronized ensures that this allocator and all objects created from it
	// will not be synchronized internally. The consumer must guarantee they are used from only one
	// thread at a time or are synchronized by some other mechanism, but performance may improve because
	// internal mutexes are not used.
	AllocatorCreateExternallySynchronized CreateFlags = 1 << iota
)

func init() {
	AllocatorCreateExternallySynchronized.Register("AllocatorCreateExternallySynchronized")
}

// ImageFlags adjust how image memory is created and uploaded
type ImageFlags int32

var imageFlagsMapping = common.NewFlagStringMapping[ImageFlags]()

func (f ImageFlags) Register(str string) {
	imageFlagsMapping.Register(f, str)
}
func (f ImageFlags) String() string {
	return imageFlagsMapping.FlagsToString(f)
}

const (
	// ImageNoMipmaps creates the image with a single mip level even when the device is
	// capable of generating a full mip chain
	ImageNoMipmaps ImageFlags = 1 << iota
)

func init() {
	ImageNoMipmaps.Register("ImageNoMipmaps")
}
