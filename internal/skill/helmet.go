package skill

import (
	"fmt"

	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/config"
)

// TypeHelmet is the type tag of helmet detection skills
const TypeHelmet = "helmet_detection"

// HelmetSkill detects people and whether they wear a helmet
type HelmetSkill struct {
	modelSkill
}

// NewHelmetSkill builds a helmet skill and registers its models with the arena
func NewHelmetSkill(id string, cfg config.SkillConfig, lc *Lifecycle) Skill {
	return &HelmetSkill{modelSkill: newModelSkill(id, TypeHelmet, cfg, lc)}
}

// Validate requires every model to name its artifact
func (s *HelmetSkill) Validate() error {
	for i, m := range s.cfg.Models {
		if m.Name == "" || m.MarPath == "" {
			return fmt.Errorf("%w: skill %q: model %d needs name and mar_path", config.ErrConfig, s.id, i)
		}
	}
	return nil
}
