package catalog

// Defaults returns the built-in workflow set used until the composer
// service publishes a catalog.
func Defaults() *Static {
	return NewStatic(
		Workflow{
			ID:         "flux-image",
			Title:      "Flux Image",
			Provider:   "fal",
			Model:      "fal-ai/flux/dev",
			MediaType:  "image",
			CreditCost: 3,
			Dedup:      true,
		},
		Workflow{
			ID:         "kling-video",
			Title:      "Kling Video",
			Provider:   "fal",
			Model:      "fal-ai/kling-video/v1.6/standard/text-to-video",
			MediaType:  "video",
			CreditCost: 25,
		},
		Workflow{
			ID:         "sdxl-image",
			Title:      "SDXL Image",
			Provider:   "replicate",
			Model:      "stability-ai/sdxl",
			MediaType:  "image",
			CreditCost: 2,
			Dedup:      true,
		},
		Workflow{
			ID:         "musicgen-audio",
			Title:      "MusicGen Audio",
			Provider:   "replicate",
			Model:      "meta/musicgen",
			MediaType:  "audio",
			CreditCost: 5,
		},
	)
}
