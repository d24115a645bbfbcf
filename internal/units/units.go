// Package units holds the physical constants and unit conversions used
// throughout boltz. All dynamical quantities are carried in powers of
// Mpc: H and the scattering rate kappa' in 1/Mpc, densities as
// rho_tilde = (8 pi G / 3 c^2) rho in 1/Mpc^2, so that the Friedmann
// constraint reads H^2 = rho_tilde_tot.
package units

import "math"

// SI constants.
const (
	SpeedOfLight   = 2.99792458e8    // m/s
	NewtonG        = 6.67428e-11     // m^3/kg/s^2
	PlanckH        = 6.62606896e-34  // J s
	Boltzmann      = 1.3806504e-23   // J/K
	ElectronVolt   = 1.602176487e-19 // J
	ThomsonSigma   = 6.6524616e-29   // m^2
	HydrogenMass   = 1.673575e-27    // kg
	ElectronMass   = 9.10938215e-31  // kg
	MpcInMeters    = 3.085677581282e22
	GyrOverMpc     = 3.06601394e2 // light travel: 1 Gyr = 306.6 Mpc
	HeliumOverFour = 3.9715       // m_He/m_H, the "not4" ratio
)

// StefanBoltzmann is sigma_B in W/m^2/K^4, derived rather than quoted
// so it stays consistent with the constants above.
var StefanBoltzmann = 2 * math.Pow(math.Pi, 5) * math.Pow(Boltzmann, 4) /
	(15 * math.Pow(PlanckH, 3) * SpeedOfLight * SpeedOfLight)

// H0FromLittleH converts the reduced Hubble constant h to H0 in 1/Mpc
// (h/2997.9).
func H0FromLittleH(h float64) float64 {
	return h * 1.e5 / SpeedOfLight
}

// LittleHFromH0 inverts H0FromLittleH.
func LittleHFromH0(h0 float64) float64 {
	return h0 * SpeedOfLight / 1.e5
}

// OmegaGamma returns the photon density parameter today for a CMB
// temperature tcmb [K] and reduced Hubble constant h.
func OmegaGamma(tcmb, h float64) float64 {
	num := 4 * StefanBoltzmann / SpeedOfLight * math.Pow(tcmb, 4)
	den := 3 * SpeedOfLight * SpeedOfLight * 1.e10 * h * h /
		(MpcInMeters * MpcInMeters) / (8 * math.Pi * NewtonG)
	return num / den
}

// OmegaUltraRelativistic returns the density parameter of neff massless
// neutrino species, each carrying (7/8)(4/11)^(4/3) of a photon.
func OmegaUltraRelativistic(neff, tcmb, h float64) float64 {
	return neff * 7.0 / 8.0 * math.Pow(4.0/11.0, 4.0/3.0) * OmegaGamma(tcmb, h)
}

// NeutrinoTemperature returns T_nu today [K] for a CMB temperature
// tcmb, using the instantaneous-decoupling ratio (4/11)^(1/3).
func NeutrinoTemperature(tcmb float64) float64 {
	return math.Pow(4.0/11.0, 1.0/3.0) * tcmb
}

// HeliumNumberFraction converts the helium mass fraction YHe into the
// helium-to-hydrogen number ratio fHe = n_He/n_H.
func HeliumNumberFraction(yhe float64) float64 {
	return yhe / (HeliumOverFour * (1 - yhe))
}

// HydrogenNumberDensity returns n_H today in 1/m^3 for baryon density
// omega_b = Omega_b h^2 and helium fraction yhe.
func HydrogenNumberDensity(omegaB, yhe float64) float64 {
	// rho_crit/h^2 in kg/m^3 times omega_b, hydrogen share (1-YHe).
	rhoCritOverH2 := 3 * 1.e10 / (8 * math.Pi * NewtonG * MpcInMeters * MpcInMeters)
	return rhoCritOverH2 * omegaB * (1 - yhe) / HydrogenMass
}

// MpcToGyr converts a light-travel distance in Mpc to Gyr.
func MpcToGyr(d float64) float64 {
	return d / GyrOverMpc
}

// KelvinToEV converts a temperature in K to an energy in eV.
func KelvinToEV(t float64) float64 {
	return t * Boltzmann / ElectronVolt
}

// EVToKelvin converts an energy in eV to a temperature in K.
func EVToKelvin(e float64) float64 {
	return e * ElectronVolt / Boltzmann
}

// NcdmMassToOmega returns Omega_ncdm h^2 / m_eV for one species in the
// instantaneous-decoupling limit, m/(93.14 eV) per unit h^2. Used only
// as the seed for the exact momentum integrals.
func NcdmMassToOmega(massEV float64) float64 {
	return massEV / 93.14
}
