// Package config loads lessonforge configuration.
//
// Values come from LESSONFORGE_* environment variables (with struct-tag
// defaults) and are then overlaid by an optional YAML file, located through
// LESSONFORGE_CONFIG_FILE or config.yaml / configs/config.yaml in the working
// directory:
//
//	LESSONFORGE_SERVER_PORT=8080
//	LESSONFORGE_STAGING_CAPACITY=500
//	LESSONFORGE_PIPELINE_MODE=parallel
//	LESSONFORGE_GENERATION_API_KEY=sk-...
//
// Load validates the merged result with go-playground/validator struct tags.
package config
