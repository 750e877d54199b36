package model

import (
	"fmt"
	"os"

	"github.com/goccy/go-json"

	"nanochat/internal/safetensors"
	"nanochat/internal/tensor"
)

// checkpointConfig mirrors the JSON config that ships next to a checkpoint.
type checkpointConfig struct {
	SequenceLen       int       `json:"sequence_len"`
	VocabSize         int       `json:"vocab_size"`
	NLayer            int       `json:"n_layer"`
	NHead             int       `json:"n_head"`
	NKVHead           int       `json:"n_kv_head"`
	NEmbd             int       `json:"n_embd"`
	FFNDim            int       `json:"ffn_dim"`
	WindowPattern     string    `json:"window_pattern"`
	WindowSize        int       `json:"window_size"`
	ValueEmbedPattern string    `json:"value_embed_pattern"`
	ResidScales       []float32 `json:"resid_scales"`
	X0Scales          []float32 `json:"x0_scales"`
	NormEps           float64   `json:"norm_eps"`
	RopeBase          float64   `json:"rope_base"`
	LogitSoftcap      float64   `json:"logit_softcap"`
}

// LoadConfig reads a checkpoint config.json into a Config. Defaults and
// validation are applied later, at model construction.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cc checkpointConfig
	if err := json.Unmarshal(raw, &cc); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return Config{
		MaxSeqLen:         cc.SequenceLen,
		VocabSize:         cc.VocabSize,
		NumLayers:         cc.NLayer,
		NumHeads:          cc.NHead,
		NumKVHeads:        cc.NKVHead,
		EmbedDim:          cc.NEmbd,
		FFNDim:            cc.FFNDim,
		WindowPattern:     cc.WindowPattern,
		WindowSize:        cc.WindowSize,
		ValueEmbedPattern: cc.ValueEmbedPattern,
		ResidScales:       cc.ResidScales,
		X0Scales:          cc.X0Scales,
		NormEps:           cc.NormEps,
		RopeBase:          cc.RopeBase,
		LogitSoftcap:      cc.LogitSoftcap,
	}, nil
}

// Load opens a safetensors checkpoint and its config and builds a model.
// Checkpoint tensors use the training layout's names (wte / lm_head /
// blocks.N.attn.q_proj and friends); loadWeights translates them to the
// engine's layout.
func Load(weightsPath, configPath string) (*Model, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	st, err := safetensors.Open(weightsPath)
	if err != nil {
		return nil, err
	}
	w, err := loadWeights(st, cfg.withDefaults())
	if err != nil {
		return nil, err
	}
	return New(cfg, w)
}

func loadWeights(st *safetensors.File, cfg Config) (*Weights, error) {
	emb, err := loadMat(st, "wte.weight", "token_embedding.weight")
	if err != nil {
		return nil, err
	}
	lmHead, err := loadMatT(st, "lm_head.weight")
	if err != nil {
		return nil, err
	}

	policies := buildLayerPolicies(cfg)
	layers := make([]LayerWeights, cfg.NumLayers)
	for i := range layers {
		prefix := fmt.Sprintf("blocks.%d.", i)
		lw := &layers[i]
		if lw.Wq, err = loadMatT(st, prefix+"attn.q_proj.weight"); err != nil {
			return nil, err
		}
		if lw.Wk, err = loadMatT(st, prefix+"attn.k_proj.weight"); err != nil {
			return nil, err
		}
		if lw.Wv, err = loadMatT(st, prefix+"attn.v_proj.weight"); err != nil {
			return nil, err
		}
		if lw.Wo, err = loadMatT(st, prefix+"attn.out_proj.weight"); err != nil {
			return nil, err
		}
		if lw.FC1, err = loadMatT(st, prefix+"mlp.fc1.weight"); err != nil {
			return nil, err
		}
		if lw.FC2, err = loadMatT(st, prefix+"mlp.fc2.weight"); err != nil {
			return nil, err
		}
		if policies[i].useValueEmbed {
			if lw.ValueTable, err = loadMat(st, prefix+"attn.value_embed.weight"); err != nil {
				return nil, err
			}
			if lw.ValueGate, err = st.ReadScalarF32(prefix + "attn.value_embed.gate"); err != nil {
				return nil, err
			}
		}
	}

	return &Weights{Embedding: emb, LMHead: lmHead, Layers: layers}, nil
}

// loadMat reads a 2-D tensor under the first name present.
func loadMat(st *safetensors.File, names ...string) (*tensor.Tensor, error) {
	for _, name := range names {
		if _, ok := st.Tensor(name); !ok {
			continue
		}
		data, info, err := st.ReadTensorF32(name)
		if err != nil {
			return nil, err
		}
		if len(info.Shape) != 2 {
			return nil, fmt.Errorf("%s: expected 2-D tensor, shape %v", name, info.Shape)
		}
		return tensor.FromSlice(data, info.Shape[0], info.Shape[1])
	}
	return nil, fmt.Errorf("tensor not found under any of %v", names)
}

// loadMatT reads a 2-D tensor and transposes it: checkpoints store linear
// weights output-major, the engine multiplies input-major.
func loadMatT(st *safetensors.File, name string) (*tensor.Tensor, error) {
	m, err := loadMat(st, name)
	if err != nil {
		return nil, err
	}
	r, c := m.Shape[0], m.Shape[1]
	out := tensor.New(c, r)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Data[j*r+i] = m.Data[i*c+j]
		}
	}
	return out, nil
}

// NewRandomWeights builds a reproducible random parameter set for the given
// config, used by tests and benchmarks.
func NewRandomWeights(cfg Config, seed int64) *Weights {
	cfg = cfg.withDefaults()
	headDim := cfg.HeadDim()
	policies := buildLayerPolicies(cfg)

	w := &Weights{
		Embedding: tensor.New(cfg.VocabSize, cfg.EmbedDim),
		LMHead:    tensor.New(cfg.EmbedDim, cfg.VocabSize),
		Layers:    make([]LayerWeights, cfg.NumLayers),
	}
	tensor.FillRand(w.Embedding, seed+1)
	tensor.FillRand(w.LMHead, seed+2)
	for i := range w.Layers {
		base := seed + int64(i)*100
		lw := &w.Layers[i]
		lw.Wq = tensor.New(cfg.EmbedDim, cfg.NumHeads*headDim)
		lw.Wk = tensor.New(cfg.EmbedDim, cfg.NumKVHeads*headDim)
		lw.Wv = tensor.New(cfg.EmbedDim, cfg.NumKVHeads*headDim)
		lw.Wo = tensor.New(cfg.NumHeads*headDim, cfg.EmbedDim)
		lw.FC1 = tensor.New(cfg.EmbedDim, cfg.FFNDim)
		lw.FC2 = tensor.New(cfg.FFNDim, cfg.EmbedDim)
		tensor.FillRand(lw.Wq, base+3)
		tensor.FillRand(lw.Wk, base+4)
		tensor.FillRand(lw.Wv, base+5)
		tensor.FillRand(lw.Wo, base+6)
		tensor.FillRand(lw.FC1, base+7)
		tensor.FillRand(lw.FC2, base+8)
		if policies[i].useValueEmbed {
			lw.ValueTable = tensor.New(cfg.MaxSeqLen, headDim)
			tensor.FillRand(lw.ValueTable, base+9)
			lw.ValueGate = 0.5
		}
	}
	return w
}
