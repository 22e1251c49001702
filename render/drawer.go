package render

import (
	"github.com/abihf/camtex/capture"
	"github.com/gogpu/gpucontext"
	"github.com/pkg/errors"
)

// Backends holds the named backends a process can pick from. "software" is
// always present; GPU integrations register their own, typically wrapping a
// window's gpucontext.TextureDrawer with NewDrawerBackend.
var Backends = gpucontext.NewRegistry[Backend](
	gpucontext.WithPriority("drawer", "software"),
)

func init() {
	Backends.Register("software", func() Backend { return NewSoftwareBackend() })
}

// DrawerBackend realises external textures on a gpucontext.TextureDrawer:
// camera images are uploaded through its TextureCreator, and presented
// textures are drawn at the origin.
type DrawerBackend struct {
	drawer gpucontext.TextureDrawer
}

func NewDrawerBackend(drawer gpucontext.TextureDrawer) *DrawerBackend {
	return &DrawerBackend{drawer: drawer}
}

func (b *DrawerBackend) NewContext() (Context, error) {
	creator := b.drawer.TextureCreator()
	if creator == nil {
		return nil, errors.New("drawer has no texture creator")
	}
	return &DrawerContext{
		drawer:   b.drawer,
		creator:  creator,
		textures: make(map[TextureID]gpucontext.Texture),
		next:     1,
	}, nil
}

// DrawerContext is the Context of a DrawerBackend. External textures are
// created lazily on the first image and recreated when the size changes.
type DrawerContext struct {
	drawer   gpucontext.TextureDrawer
	creator  gpucontext.TextureCreator
	textures map[TextureID]gpucontext.Texture
	next     TextureID
	released bool
}

type destroyer interface {
	Destroy()
}

func (c *DrawerContext) NewExternalTexture() (TextureID, error) {
	if c.released {
		return 0, ErrContextReleased
	}
	id := c.next
	c.next++
	c.textures[id] = nil
	return id, nil
}

func (c *DrawerContext) UpdateExternal(tex TextureID, img *capture.Image) error {
	if c.released {
		return ErrContextReleased
	}
	cur, ok := c.textures[tex]
	if !ok {
		return errors.Wrapf(ErrUnknownTexture, "texture %d", tex)
	}

	src, err := img.NRGBA()
	if err != nil {
		return err
	}
	w, h := src.Rect.Dx(), src.Rect.Dy()

	if cur != nil && cur.Width() == w && cur.Height() == h {
		if up, ok := cur.(gpucontext.TextureUpdater); ok {
			return errors.Wrap(up.UpdateData(src.Pix), "can not upload frame")
		}
	}

	next, err := c.creator.NewTextureFromRGBA(w, h, src.Pix)
	if err != nil {
		return errors.Wrap(err, "can not create texture")
	}
	destroyTexture(cur)
	c.textures[tex] = next
	return nil
}

// Texture returns the GPU texture behind tex, nil before the first image.
func (c *DrawerContext) Texture(tex TextureID) (gpucontext.Texture, error) {
	t, ok := c.textures[tex]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownTexture, "texture %d", tex)
	}
	return t, nil
}

// Present draws tex at the origin of the drawer.
func (c *DrawerContext) Present(tex TextureID) error {
	t, err := c.Texture(tex)
	if err != nil || t == nil {
		return err
	}
	return c.drawer.DrawTexture(t, 0, 0)
}

func (c *DrawerContext) DeleteTexture(tex TextureID) error {
	t, ok := c.textures[tex]
	if !ok {
		return errors.Wrapf(ErrUnknownTexture, "texture %d", tex)
	}
	destroyTexture(t)
	delete(c.textures, tex)
	return nil
}

func (c *DrawerContext) Release() error {
	if c.released {
		return nil
	}
	for id, t := range c.textures {
		destroyTexture(t)
		delete(c.textures, id)
	}
	c.released = true
	return nil
}

func destroyTexture(t gpucontext.Texture) {
	if d, ok := t.(destroyer); ok {
		d.Destroy()
	}
}
