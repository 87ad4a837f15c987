package batch

import (
	"fmt"
	"strings"
)

// BaseName strips the document extension from a document name.
func BaseName(name, documentExt string) string {
	return strings.TrimSuffix(name, documentExt)
}

// ChunkArtifactName names the audio for the 1-based chunk index. An empty voice
// yields the single-voice form.
func ChunkArtifactName(base, voice string, index int, audioExt string) string {
	if voice == "" {
		return fmt.Sprintf("%s_chunk_%d.%s", base, index, audioExt)
	}
	return fmt.Sprintf("%s__%s__chunk_%d.%s", base, voice, index, audioExt)
}

// FullArtifactName names the concatenated audio of one voice pass.
func FullArtifactName(base, voice, audioExt string) string {
	if voice == "" {
		return fmt.Sprintf("%s_FULL.%s", base, audioExt)
	}
	return fmt.Sprintf("%s__%s__FULL.%s", base, voice, audioExt)
}
