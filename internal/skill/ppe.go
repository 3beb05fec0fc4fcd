package skill

import (
	"fmt"

	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/config"
)

// TypePPE is the type tag of protective-equipment skills
const TypePPE = "ppe_detection"

// PPESkill detects people and their helmet, vest and gloves. It usually runs
// several models, one per equipment class.
type PPESkill struct {
	modelSkill
}

// NewPPESkill builds a PPE skill and registers its models with the arena
func NewPPESkill(id string, cfg config.SkillConfig, lc *Lifecycle) Skill {
	return &PPESkill{modelSkill: newModelSkill(id, TypePPE, cfg, lc)}
}

// Validate requires at least one model, each with name, mar_path and type
func (s *PPESkill) Validate() error {
	if len(s.cfg.Models) == 0 {
		return fmt.Errorf("%w: skill %q has no models", config.ErrConfig, s.id)
	}
	for i, m := range s.cfg.Models {
		if m.Name == "" || m.MarPath == "" || m.Type == "" {
			return fmt.Errorf("%w: skill %q: model %d needs name, mar_path and type", config.ErrConfig, s.id, i)
		}
	}
	return nil
}
