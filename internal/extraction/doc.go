// Package extraction recovers a reflection, a weight and tags from free-form
// model output.
//
// Extraction is driven by an ordered list of Rules. Each rule targets one
// field; the first rule that matches a field wins and its match is removed
// from the reflection text. Extraction never fails: text that matches
// nothing comes back as the reflection with weight 0 and no tags.
//
//	ex := extraction.Default()
//	res := ex.Extract("A joyful moment. Weight: 8\nTAGS: family, joy")
//	// res.Reflection == "A joyful moment.", res.Weight == 8
//
// Clean applies the live-display filters that hide weight and tag metadata.
package extraction
