package domain

import "strings"

const (
	// DefaultInferenceSteps mirrors the remote service default.
	DefaultInferenceSteps = 50
	// DefaultGuidanceScale mirrors the remote service default.
	DefaultGuidanceScale = 7.5
	// DefaultDimension is used for width and height when omitted.
	DefaultDimension = 512
	// DefaultPromptStrength applies to image-to-image requests only.
	DefaultPromptStrength = 0.8
	// DefaultModel is the checkpoint requested when none is selected.
	DefaultModel = "sd-v1-4"
	// DefaultOutputFormat is the image encoding requested from the service.
	DefaultOutputFormat = "jpeg"
	// DefaultSampler is used for text-to-image requests.
	DefaultSampler = "plms"
	// InitImageSampler is forced whenever an init image is present.
	InitImageSampler = "ddim"
	// FaceCorrectionModel is the only supported face correction filter.
	FaceCorrectionModel = "GFPGANv1.3"
	// DefaultUpscaleModel is used when upscaling is requested without a model.
	DefaultUpscaleModel = "RealESRGAN_x4plus"
	// LivePreviewOutputLimit disables image streaming for very large tasks.
	LivePreviewOutputLimit = 50
)

// RenderRequest is the generation parameter set sent to the remote service
// for one job. Tasks keep an immutable template and derive per-job copies.
type RenderRequest struct {
	SessionID           string  `json:"session_id"`
	Prompt              string  `json:"prompt"`
	NegativePrompt      string  `json:"negative_prompt"`
	InitImage           string  `json:"init_image,omitempty"`
	Mask                string  `json:"mask,omitempty"`
	NumOutputs          int     `json:"num_outputs"`
	NumInferenceSteps   int     `json:"num_inference_steps"`
	GuidanceScale       float64 `json:"guidance_scale"`
	Width               int     `json:"width"`
	Height              int     `json:"height"`
	Seed                int64   `json:"seed"`
	PromptStrength      float64 `json:"prompt_strength,omitempty"`
	Sampler             string  `json:"sampler,omitempty"`
	SaveToDiskPath      string  `json:"save_to_disk_path,omitempty"`
	Turbo               bool    `json:"turbo"`
	UseCPU              bool    `json:"use_cpu"`
	UseFullPrecision    bool    `json:"use_full_precision"`
	UseFaceCorrection   string  `json:"use_face_correction,omitempty"`
	UseUpscale          string  `json:"use_upscale,omitempty"`
	Model               string  `json:"use_stable_diffusion_model"`
	VAEModel            string  `json:"use_vae_model,omitempty"`
	ShowOnlyFiltered    bool    `json:"show_only_filtered_image"`
	OutputFormat        string  `json:"output_format"`
	StreamProgress      bool    `json:"stream_progress_updates"`
	StreamImageProgress bool    `json:"stream_image_progress"`
	RenderDevice        string  `json:"render_device,omitempty"`
}

// Normalize fills defaults the remote service expects and enforces the
// sampler rule for image-to-image requests.
func (r *RenderRequest) Normalize() {
	if r == nil {
		return
	}
	r.Prompt = strings.TrimSpace(r.Prompt)
	r.NegativePrompt = strings.TrimSpace(r.NegativePrompt)
	if r.NumOutputs <= 0 {
		r.NumOutputs = 1
	}
	if r.NumInferenceSteps <= 0 {
		r.NumInferenceSteps = DefaultInferenceSteps
	}
	if r.GuidanceScale <= 0 {
		r.GuidanceScale = DefaultGuidanceScale
	}
	if r.Width <= 0 {
		r.Width = DefaultDimension
	}
	if r.Height <= 0 {
		r.Height = DefaultDimension
	}
	if strings.TrimSpace(r.Model) == "" {
		r.Model = DefaultModel
	}
	r.OutputFormat = strings.ToLower(strings.TrimSpace(r.OutputFormat))
	if r.OutputFormat == "" {
		r.OutputFormat = DefaultOutputFormat
	}
	if r.InitImage != "" {
		if r.PromptStrength <= 0 || r.PromptStrength >= 1 {
			r.PromptStrength = DefaultPromptStrength
		}
		r.Sampler = InitImageSampler
	} else {
		r.PromptStrength = 0
		r.Mask = ""
		if r.Sampler == "" {
			r.Sampler = DefaultSampler
		}
	}
	r.SaveToDiskPath = strings.TrimSpace(r.SaveToDiskPath)
	// the remote implementation only supports streaming
	r.StreamProgress = true
}

// Clone returns a shallow copy. All fields are values so the copy is
// independent of the receiver.
func (r RenderRequest) Clone() RenderRequest {
	return r
}

// WithSeed returns a copy of the request stamped with seed.
func (r RenderRequest) WithSeed(seed int64) RenderRequest {
	c := r.Clone()
	c.Seed = seed
	return c
}
