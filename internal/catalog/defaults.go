package catalog

import "github.com/eliteGoblin/vrkiosk/internal/domain"

// DefaultGames is the catalog written when no catalog file exists yet.
// Paths point at a typical Windows VR station layout.
func DefaultGames() []domain.Game {
	return []domain.Game{
		{
			ID:                 "1",
			Title:              "Beat Saber",
			ExecutablePath:     `C:\VRGames\BeatSaber\Beat Saber.exe`,
			WorkingDirectory:   `C:\VRGames\BeatSaber`,
			Arguments:          []string{"--vrmode", "openvr"},
			Description:        "Rhythm game where you slash blocks with lightsabers",
			ImageURL:           "/games/beatsaber.jpg",
			MinDurationSeconds: 300,
			MaxDurationSeconds: 1800,
			Active:             true,
		},
		{
			ID:                 "2",
			Title:              "Half-Life: Alyx",
			ExecutablePath:     `C:\Program Files (x86)\Steam\steamapps\common\Half-Life Alyx\bin\win64\hlvr.exe`,
			WorkingDirectory:   `C:\Program Files (x86)\Steam\steamapps\common\Half-Life Alyx`,
			Arguments:          []string{"-novid", "-console"},
			Description:        "Return to Half-Life in this VR masterpiece by Valve",
			ImageURL:           "/games/alyx.jpg",
			MinDurationSeconds: 600,
			MaxDurationSeconds: 3600,
			Active:             true,
		},
		{
			ID:                 "3",
			Title:              "VRChat",
			ExecutablePath:     `C:\Program Files (x86)\Steam\steamapps\common\VRChat\VRChat.exe`,
			WorkingDirectory:   `C:\Program Files (x86)\Steam\steamapps\common\VRChat`,
			Description:        "Social VR platform to meet and interact with friends",
			ImageURL:           "/games/vrchat.jpg",
			MinDurationSeconds: 300,
			MaxDurationSeconds: 7200,
			Active:             true,
		},
	}
}
