package model

import (
	"nanochat/internal/tensor"
)

// FeedForward is the position-wise MLP: W2·square(relu(W1·x)). Neither
// projection carries a bias, and the squared-relu nonlinearity is part of the
// architecture, not an approximation target.
type FeedForward struct {
	fc1 *tensor.Tensor // (embed, ffn)
	fc2 *tensor.Tensor // (ffn, embed)
}

func (f *FeedForward) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	h, err := tensor.MatMul2(x, f.fc1)
	if err != nil {
		return nil, err
	}
	tensor.ReluSquare(h)
	return tensor.MatMul2(h, f.fc2)
}
