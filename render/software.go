package render

import (
	"image"

	"github.com/abihf/camtex/capture"
	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// SoftwareBackend keeps textures in host memory. Its contexts enforce thread
// confinement by checking the OS thread id on every call.
type SoftwareBackend struct{}

func NewSoftwareBackend() *SoftwareBackend {
	return &SoftwareBackend{}
}

func (b *SoftwareBackend) NewContext() (Context, error) {
	return &SoftwareContext{
		owner:    unix.Gettid(),
		textures: make(map[TextureID]*image.NRGBA),
		next:     1,
	}, nil
}

// SoftwareContext is the Context of a SoftwareBackend.
type SoftwareContext struct {
	owner    int
	textures map[TextureID]*image.NRGBA
	next     TextureID
	released bool
}

func (c *SoftwareContext) check() error {
	if tid := unix.Gettid(); tid != c.owner {
		return errors.Wrapf(ErrWrongThread, "thread %d, owner %d", tid, c.owner)
	}
	if c.released {
		return ErrContextReleased
	}
	return nil
}

func (c *SoftwareContext) alloc(img *image.NRGBA) TextureID {
	id := c.next
	c.next++
	c.textures[id] = img
	return id
}

func (c *SoftwareContext) NewExternalTexture() (TextureID, error) {
	if err := c.check(); err != nil {
		return 0, err
	}
	return c.alloc(nil), nil
}

// NewTexture allocates a blank texture, for transforms producing their own
// output.
func (c *SoftwareContext) NewTexture(width, height int) (TextureID, error) {
	if err := c.check(); err != nil {
		return 0, err
	}
	return c.alloc(image.NewNRGBA(image.Rect(0, 0, width, height))), nil
}

func (c *SoftwareContext) UpdateExternal(tex TextureID, img *capture.Image) error {
	if err := c.check(); err != nil {
		return err
	}
	cur, ok := c.textures[tex]
	if !ok {
		return errors.Wrapf(ErrUnknownTexture, "texture %d", tex)
	}

	src, err := img.NRGBA()
	if err != nil {
		return err
	}
	if cur != nil && cur.Rect == src.Rect && cur.Stride == src.Stride {
		copy(cur.Pix, src.Pix)
		return nil
	}
	c.textures[tex] = imaging.Clone(src)
	return nil
}

// Texture returns the storage of tex. It must be called on the loop thread
// and the image must not be kept past the current frame.
func (c *SoftwareContext) Texture(tex TextureID) (*image.NRGBA, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	img, ok := c.textures[tex]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownTexture, "texture %d", tex)
	}
	return img, nil
}

func (c *SoftwareContext) DeleteTexture(tex TextureID) error {
	if err := c.check(); err != nil {
		return err
	}
	if _, ok := c.textures[tex]; !ok {
		return errors.Wrapf(ErrUnknownTexture, "texture %d", tex)
	}
	delete(c.textures, tex)
	return nil
}

func (c *SoftwareContext) Release() error {
	if err := c.check(); err != nil {
		return err
	}
	c.textures = nil
	c.released = true
	return nil
}

// Textures returns the number of live textures.
func (c *SoftwareContext) Textures() int {
	return len(c.textures)
}
