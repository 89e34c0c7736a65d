package nsfw

import (
	"image"
	"io"

	"github.com/disintegration/imaging"
)

const imageSize = 224

var (
	imageMean = [3]float32{0.485, 0.456, 0.406}
	imageStd  = [3]float32{0.229, 0.224, 0.225}
)

// ImageTensor resizes img to 224x224, rescales to [0,1], normalises each
// channel with the ImageNet mean/std and packs it as [1,3,224,224] CHW.
func ImageTensor(img image.Image) Tensor {
	resized := imaging.Resize(img, imageSize, imageSize, imaging.Lanczos)

	channelSize := imageSize * imageSize
	data := make([]float32, 3*channelSize)
	for y := 0; y < imageSize; y++ {
		offset := y * imageSize
		for x := 0; x < imageSize; x++ {
			i := offset + x
			r, g, b, _ := resized.At(x, y).RGBA()
			data[i] = (float32(r>>8)/255.0 - imageMean[0]) / imageStd[0]
			data[channelSize+i] = (float32(g>>8)/255.0 - imageMean[1]) / imageStd[1]
			data[2*channelSize+i] = (float32(b>>8)/255.0 - imageMean[2]) / imageStd[2]
		}
	}
	return Tensor{Shape: []int64{1, 3, imageSize, imageSize}, Data: data}
}

// LoadImageTensor decodes the image at path, honouring EXIF orientation.
func LoadImageTensor(path string) (Tensor, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return Tensor{}, err
	}
	return ImageTensor(img), nil
}

// DecodeImageTensor is LoadImageTensor for a stream.
func DecodeImageTensor(r io.Reader) (Tensor, error) {
	img, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return Tensor{}, err
	}
	return ImageTensor(img), nil
}
