package pricing

import (
	"fmt"

	"fluxreve-server/internal/domain"
)

const providerWavespeed = "wavespeed"

func modelSpecs() []*ModelSpec {
	return []*ModelSpec{
		{
			TaskType:  domain.TaskTypeTextToImage,
			Model:     "z-image",
			Provider:  providerWavespeed,
			Endpoint:  "wavespeed-ai/z-image/turbo",
			Async:     true,
			NSFWCheck: true,
			Process:   processZImage,
		},
		{
			TaskType:  domain.TaskTypeTextToImage,
			Model:     "z-image-lora",
			Provider:  providerWavespeed,
			Endpoint:  "wavespeed-ai/z-image/turbo-lora",
			Async:     true,
			NSFWCheck: true,
			Process:   processZImageLora,
		},
		{
			TaskType: domain.TaskTypeTextToImage,
			Model:    "flux-2-pro",
			Provider: providerWavespeed,
			Endpoint: "wavespeed-ai/flux-2-pro/text-to-image",
			Async:    true,
			Process:  textToImageProcess("Flux 2 Pro", 25),
		},
		{
			TaskType: domain.TaskTypeImageToImage,
			Model:    "flux-2-pro",
			Provider: providerWavespeed,
			Endpoint: "wavespeed-ai/flux-2-pro/image-to-image",
			Async:    true,
			Process:  imageToImageProcess("Flux 2 Pro", 25),
		},
		{
			TaskType: domain.TaskTypeTextToImage,
			Model:    "seedream-v4.5",
			Provider: providerWavespeed,
			Endpoint: "bytedance/seedream-v4.5/text-to-image",
			Async:    true,
			Process:  textToImageProcess("Seedream v4.5", 30),
		},
		{
			TaskType: domain.TaskTypeImageToImage,
			Model:    "seedream-v4.5",
			Provider: providerWavespeed,
			Endpoint: "bytedance/seedream-v4.5/image-to-image",
			Async:    true,
			Process:  imageToImageProcess("Seedream v4.5", 30),
		},
		{
			TaskType: domain.TaskTypeTextToImage,
			Model:    "nano-banana-pro",
			Provider: providerWavespeed,
			Endpoint: "google/nano-banana-pro/text-to-image",
			Async:    true,
			Process:  processNanoBananaPro(false),
		},
		{
			TaskType: domain.TaskTypeImageToImage,
			Model:    "nano-banana-pro",
			Provider: providerWavespeed,
			Endpoint: "google/nano-banana-pro/image-to-image",
			Async:    true,
			Process:  processNanoBananaPro(true),
		},
		{
			TaskType: domain.TaskTypeImageUpscaler,
			Model:    "image-upscaler",
			Provider: providerWavespeed,
			Endpoint: "wavespeed-ai/image-upscaler",
			Async:    true,
			Process:  processImageUpscaler,
		},
	}
}

// processZImage handles Z-Image Turbo text-to-image. Flat 5 credits per image.
func processZImage(params map[string]any) (*Processed, error) {
	prompt, err := requirePrompt(params)
	if err != nil {
		return nil, err
	}
	size, err := requireSize(params)
	if err != nil {
		return nil, err
	}
	format, err := enumParam(params, "output_format", "png", "png", "jpeg", "webp")
	if err != nil {
		return nil, err
	}
	seed := intParam(params, "seed", -1)

	provider := map[string]any{
		"prompt":        prompt,
		"size":          size,
		"seed":          seed,
		"output_format": format,
	}
	stored := map[string]any{
		"prompt":        prompt,
		"size":          size,
		"seed":          seed,
		"output_format": format,
	}
	return &Processed{
		Credits:        5,
		ProviderParams: provider,
		StoredParams:   stored,
		Description:    fmt.Sprintf("Z-Image Turbo generation: %s", truncate(prompt, 50)),
	}, nil
}

// processZImageLora extends z-image with lora weights. Flat 10 credits.
func processZImageLora(params map[string]any) (*Processed, error) {
	base, err := processZImage(params)
	if err != nil {
		return nil, err
	}
	loras, present, err := arrayParam(params, "loras")
	if err != nil {
		return nil, err
	}
	if !present {
		loras = []any{}
	}
	base.Credits = 10
	base.ProviderParams["loras"] = loras
	base.StoredParams["loras"] = loras
	base.Description = fmt.Sprintf("Z-Image Turbo LoRA generation with %d LoRA(s): %s",
		len(loras), truncate(stringParam(params, "prompt"), 50))
	return base, nil
}

// textToImageProcess builds a flat-priced text-to-image processor.
func textToImageProcess(name string, credits int) ProcessFunc {
	return func(params map[string]any) (*Processed, error) {
		prompt, err := requirePrompt(params)
		if err != nil {
			return nil, err
		}
		size, err := requireSize(params)
		if err != nil {
			return nil, err
		}
		seed := intParam(params, "seed", -1)
		provider := map[string]any{"prompt": prompt, "size": size, "seed": seed}
		stored := map[string]any{"prompt": prompt, "size": size, "seed": seed}
		return &Processed{
			Credits:        credits,
			ProviderParams: provider,
			StoredParams:   stored,
			Description:    fmt.Sprintf("%s generation: %s", name, truncate(prompt, 50)),
		}, nil
	}
}

// imageToImageProcess builds a flat-priced image-to-image processor.
func imageToImageProcess(name string, credits int) ProcessFunc {
	return func(params map[string]any) (*Processed, error) {
		prompt, err := requirePrompt(params)
		if err != nil {
			return nil, err
		}
		images, err := requireImages(params)
		if err != nil {
			return nil, err
		}
		seed := intParam(params, "seed", -1)
		provider := map[string]any{"prompt": prompt, "images": images, "seed": seed}
		stored := map[string]any{"prompt": prompt, "images": images, "seed": seed}
		return &Processed{
			Credits:        credits,
			ProviderParams: provider,
			StoredParams:   stored,
			Description:    fmt.Sprintf("%s edit: %s", name, truncate(prompt, 50)),
		}, nil
	}
}

// processNanoBananaPro prices by output resolution: 170 credits at 4k,
// 100 otherwise.
func processNanoBananaPro(requiresImages bool) ProcessFunc {
	return func(params map[string]any) (*Processed, error) {
		prompt, err := requirePrompt(params)
		if err != nil {
			return nil, err
		}
		resolution, err := enumParam(params, "resolution", "1k", "1k", "2k", "4k")
		if err != nil {
			return nil, err
		}
		provider := map[string]any{"prompt": prompt, "resolution": resolution}
		stored := map[string]any{"prompt": prompt, "resolution": resolution}
		if requiresImages {
			images, err := requireImages(params)
			if err != nil {
				return nil, err
			}
			provider["images"] = images
			stored["images"] = images
		}
		credits := 100
		if resolution == "4k" {
			credits = 170
		}
		return &Processed{
			Credits:        credits,
			ProviderParams: provider,
			StoredParams:   stored,
			Description:    fmt.Sprintf("Nano Banana Pro generation (%s): %s", resolution, truncate(prompt, 50)),
		}, nil
	}
}

// processImageUpscaler prices by target resolution: 10/15/20 for 2k/4k/8k.
func processImageUpscaler(params map[string]any) (*Processed, error) {
	image := stringParam(params, "image")
	if image == "" {
		return nil, fmt.Errorf("%w: image is required", domain.ErrValidation)
	}
	target, err := enumParam(params, "target_resolution", "2k", "2k", "4k", "8k")
	if err != nil {
		return nil, err
	}
	credits := 10
	switch target {
	case "4k":
		credits = 15
	case "8k":
		credits = 20
	}
	provider := map[string]any{"image": image, "target_resolution": target}
	stored := map[string]any{"image": image, "target_resolution": target}
	return &Processed{
		Credits:        credits,
		ProviderParams: provider,
		StoredParams:   stored,
		Description:    fmt.Sprintf("Image upscale to %s", target),
	}, nil
}
